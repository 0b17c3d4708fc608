package notifier

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bizlink/messaging/internal/application"
	"github.com/bizlink/messaging/internal/repository/memory"
)

func TestHandler_SilentClientDroppedAfterResumeDeadline(t *testing.T) {
	old := resumeWait
	resumeWait = 100 * time.Millisecond
	defer func() { resumeWait = old }()

	store := memory.NewStore()
	app := application.New(store, memory.Transactor{}, zap.NewNop())
	srv := httptest.NewServer(NewHandler(NewRegistry(), app))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	header.Set("X-Business-ID", "acme")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?device_id=d1"

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing: the server must give up waiting for the resume frame and
	// close the connection rather than hold it open.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to close the connection")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatal("server kept a silent client past the resume deadline")
	}
}
