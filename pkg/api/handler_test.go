package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/bridge"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/state"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/store"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/internal/whatsapp"
	"github.com/ihiteshgupta/whatsapp-delivery-bridge/pkg/delivery"
)

// fakeManager implements Manager for testing.
type fakeManager struct {
	mu       sync.Mutex
	status   bridge.Status
	pair     bridge.PairResult
	pairErr  error
	sendErr  error
	sendID   string
	texts    []string
	docs     []whatsapp.Document
	connects int
}

func (f *fakeManager) Status() bridge.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeManager) Connect(_ context.Context) (bridge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.status.Status == state.StateDisconnected {
		f.status.Status = state.StateConnecting
	}
	return f.status, nil
}

func (f *fakeManager) Disconnect(_ context.Context) (bridge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = bridge.Status{Status: state.StateDisconnected}
	return f.status, nil
}

func (f *fakeManager) ResetAuth(ctx context.Context) (bridge.Status, error) {
	return f.Disconnect(ctx)
}

func (f *fakeManager) Pair(_ context.Context, _ string) (bridge.PairResult, error) {
	return f.pair, f.pairErr
}

func (f *fakeManager) SendText(_ context.Context, to, text string) (whatsapp.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsapp.SendResult{}, f.sendErr
	}
	f.texts = append(f.texts, to+":"+text)
	return whatsapp.SendResult{ID: f.sendID}, nil
}

func (f *fakeManager) SendDocument(_ context.Context, _ string, doc whatsapp.Document) (whatsapp.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsapp.SendResult{}, f.sendErr
	}
	f.docs = append(f.docs, doc)
	return whatsapp.SendResult{ID: f.sendID}, nil
}

func setupTestServer(t *testing.T, mgr *fakeManager) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewHandler(mgr, db.State, db.Sent, zerolog.Nop())
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, db
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func connected() *fakeManager {
	return &fakeManager{
		status: bridge.Status{Status: state.StateConnected, Connected: true, Phone: "5511999990000"},
		sendID: "3EB0ABCDEF",
	}
}

func TestHandler_Status(t *testing.T) {
	srv, _ := setupTestServer(t, connected())

	var body map[string]any
	resp := getJSON(t, srv.URL+"/status", &body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", body["status"])
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "5511999990000", body["phone"])
	for _, key := range []string{"qrCode", "retryCount", "lastStatusCode", "lastError", "pairingCode",
		"pairingCodeIssuedAt", "lastIncomingMessageAt", "lastOutgoingMessageAt", "errorCount24h", "webhookLatencyAvgMs", "reconnecting"} {
		assert.Contains(t, body, key)
	}
	assert.NotContains(t, body, "QR")
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name       string
		status     bridge.Status
		wantStatus int
		wantOK     bool
	}{
		{name: "connected", status: bridge.Status{Status: state.StateConnected}, wantStatus: http.StatusOK, wantOK: true},
		{name: "reconnecting", status: bridge.Status{Status: state.StateDisconnected, Reconnecting: true}, wantStatus: http.StatusOK, wantOK: true},
		{name: "clean disconnect", status: bridge.Status{Status: state.StateDisconnected}, wantStatus: http.StatusOK, wantOK: true},
		{name: "abandoned", status: bridge.Status{Status: state.StateDisconnected, ReconnectAbandoned: true, LastStatusCode: 401}, wantStatus: http.StatusServiceUnavailable, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t, &fakeManager{status: tt.status})

			var body struct {
				OK        bool           `json:"ok"`
				Bridge    map[string]any `json:"bridge"`
				Timestamp time.Time      `json:"timestamp"`
			}
			resp := getJSON(t, srv.URL+"/health", &body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantOK, body.OK)
			assert.Equal(t, string(tt.status.Status), body.Bridge["status"])
			assert.False(t, body.Timestamp.IsZero())
		})
	}
}

func TestHandler_Connect(t *testing.T) {
	mgr := &fakeManager{status: bridge.Status{Status: state.StateDisconnected}}
	srv, _ := setupTestServer(t, mgr)

	resp, body := postJSON(t, srv.URL+"/connect", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "connecting", body["status"])
	assert.Equal(t, 1, mgr.connects)
}

func TestHandler_DisconnectAndResetAuth(t *testing.T) {
	for _, path := range []string{"/disconnect", "/reset-auth"} {
		t.Run(path, func(t *testing.T) {
			srv, _ := setupTestServer(t, connected())

			resp, body := postJSON(t, srv.URL+path, nil)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, "disconnected", body["status"])
		})
	}
}

func TestHandler_Pair(t *testing.T) {
	tests := []struct {
		name       string
		result     bridge.PairResult
		err        error
		wantStatus int
		check      func(t *testing.T, body map[string]any)
	}{
		{
			name: "code issued",
			result: bridge.PairResult{
				PairingCode: "ABCD-EFGH",
				Phone:       "5511987654321",
				Status:      bridge.Status{Status: state.StatePairingCode},
			},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["success"])
				assert.Equal(t, "ABCD-EFGH", body["pairingCode"])
				assert.Equal(t, "pairing_code", body["status"])
				assert.Equal(t, "5511987654321", body["phone"])
				assert.NotContains(t, body, "alreadyRegistered")
			},
		},
		{
			name:       "already registered",
			result:     bridge.PairResult{AlreadyRegistered: true, Phone: "5511987654321", Status: bridge.Status{Status: state.StateConnected}},
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["alreadyRegistered"])
				assert.Equal(t, ErrAlreadyRegistered, body["code"])
			},
		},
		{
			name:       "invalid phone",
			err:        bridge.ErrInvalidPhone,
			wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, false, body["success"])
				assert.Equal(t, ErrInvalidPhone, body["code"])
			},
		},
		{
			name:       "pairing failed",
			err:        fmt.Errorf("%w: rate-overlimit", bridge.ErrPairingFailed),
			wantStatus: http.StatusBadGateway,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, ErrPairingFailed, body["code"])
				assert.Equal(t, true, body["retry"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := setupTestServer(t, &fakeManager{pair: tt.result, pairErr: tt.err})
			resp, body := postJSON(t, srv.URL+"/pair", map[string]string{"phone": "5511987654321"})
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			tt.check(t, body)
		})
	}
}

func TestHandler_Send(t *testing.T) {
	t.Run("phone field", func(t *testing.T) {
		mgr := connected()
		srv, _ := setupTestServer(t, mgr)

		resp, body := postJSON(t, srv.URL+"/send", map[string]string{"phone": "11987654321", "message": "hello"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "3EB0ABCDEF", body["id"])
		assert.Equal(t, []string{"11987654321:hello"}, mgr.texts)
	})

	t.Run("to field", func(t *testing.T) {
		mgr := connected()
		srv, _ := setupTestServer(t, mgr)

		resp, _ := postJSON(t, srv.URL+"/send", map[string]string{"to": "5511987654321@s.whatsapp.net", "message": "hi"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{"5511987654321@s.whatsapp.net:hi"}, mgr.texts)
	})

	tests := []struct {
		name       string
		body       map[string]string
		sendErr    error
		wantStatus int
		wantCode   string
	}{
		{name: "missing recipient", body: map[string]string{"message": "x"}, wantStatus: http.StatusBadRequest, wantCode: ErrInvalidInput},
		{name: "missing message", body: map[string]string{"phone": "11987654321"}, wantStatus: http.StatusBadRequest, wantCode: ErrInvalidInput},
		{name: "not connected", body: map[string]string{"phone": "11987654321", "message": "x"}, sendErr: bridge.ErrNotConnected, wantStatus: http.StatusServiceUnavailable, wantCode: ErrNotConnected},
		{name: "bad recipient", body: map[string]string{"phone": "abc", "message": "x"}, sendErr: whatsapp.ErrInvalidRecipient, wantStatus: http.StatusBadRequest, wantCode: ErrInvalidPhone},
		{name: "provider failure", body: map[string]string{"phone": "11987654321", "message": "x"}, sendErr: errors.New("server returned error 479"), wantStatus: http.StatusInternalServerError, wantCode: ErrSendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := connected()
			mgr.sendErr = tt.sendErr
			srv, _ := setupTestServer(t, mgr)

			resp, body := postJSON(t, srv.URL+"/send", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHandler_SendInvalidJSON(t *testing.T) {
	srv, _ := setupTestServer(t, connected())

	resp, err := http.Post(srv.URL+"/send", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_SendDocument(t *testing.T) {
	pdf := []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n")

	t.Run("detects mimetype", func(t *testing.T) {
		mgr := connected()
		srv, _ := setupTestServer(t, mgr)

		resp, body := postJSON(t, srv.URL+"/send-document", map[string]string{
			"to":       "5511987654321",
			"document": base64.StdEncoding.EncodeToString(pdf),
			"fileName": "budget.pdf",
			"caption":  "your budget",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "3EB0ABCDEF", body["id"])

		require.Len(t, mgr.docs, 1)
		assert.Equal(t, pdf, mgr.docs[0].Data)
		assert.Equal(t, "application/pdf", mgr.docs[0].MimeType)
		assert.Equal(t, "your budget", mgr.docs[0].Caption)
	})

	t.Run("explicit mimetype", func(t *testing.T) {
		mgr := connected()
		srv, _ := setupTestServer(t, mgr)

		resp, _ := postJSON(t, srv.URL+"/send-document", map[string]string{
			"phone":    "5511987654321",
			"document": base64.StdEncoding.EncodeToString([]byte("a,b\n1,2\n")),
			"fileName": "report.csv",
			"mimetype": "text/csv",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		require.Len(t, mgr.docs, 1)
		assert.Equal(t, "text/csv", mgr.docs[0].MimeType)
	})

	t.Run("rejects bad base64", func(t *testing.T) {
		mgr := connected()
		srv, _ := setupTestServer(t, mgr)

		resp, body := postJSON(t, srv.URL+"/send-document", map[string]string{
			"to":       "5511987654321",
			"document": "%%%",
			"fileName": "x.pdf",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, ErrInvalidInput, body["code"])
		assert.Empty(t, mgr.docs)
	})

	t.Run("not connected", func(t *testing.T) {
		mgr := connected()
		mgr.sendErr = bridge.ErrNotConnected
		srv, _ := setupTestServer(t, mgr)

		resp, body := postJSON(t, srv.URL+"/send-document", map[string]string{
			"to":       "5511987654321",
			"document": base64.StdEncoding.EncodeToString(pdf),
			"fileName": "budget.pdf",
		})
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, ErrNotConnected, body["code"])
	})
}

func TestHandler_History(t *testing.T) {
	srv, db := setupTestServer(t, connected())
	ctx := context.Background()

	require.NoError(t, db.State.LogTransition(ctx, store.TransitionEntry{From: state.StateDisconnected, To: state.StateConnecting, Trigger: "connect"}))
	require.NoError(t, db.State.LogTransition(ctx, store.TransitionEntry{From: state.StateConnecting, To: state.StateConnected, Trigger: "opened"}))

	var history []store.Transition
	resp := getJSON(t, srv.URL+"/history?limit=1", &history)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, history, 1)
	assert.Equal(t, "opened", history[0].Trigger)

	bad, err := http.Get(srv.URL + "/history?limit=zero")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHandler_GetMessage(t *testing.T) {
	srv, db := setupTestServer(t, connected())
	require.NoError(t, db.Sent.Record(context.Background(), &store.SentMessage{
		ID: "3EB0ABCDEF", JID: "5511987654321@s.whatsapp.net", Kind: store.KindText,
	}))

	var msg store.SentMessage
	resp := getJSON(t, srv.URL+"/messages/3EB0ABCDEF", &msg)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5511987654321@s.whatsapp.net", msg.JID)

	var missing map[string]any
	resp = getJSON(t, srv.URL+"/messages/unknown", &missing)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ErrNotFound, missing["code"])
}

func TestHandler_QRImage(t *testing.T) {
	t.Run("no challenge", func(t *testing.T) {
		srv, _ := setupTestServer(t, connected())
		resp, err := http.Get(srv.URL + "/qr.png")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("pending challenge", func(t *testing.T) {
		srv, _ := setupTestServer(t, &fakeManager{status: bridge.Status{Status: state.StateQRPending, QR: "2@abc,def,ghi"}})
		resp, err := http.Get(srv.URL + "/qr.png")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	})
}

// The delivery pipeline's provider id extraction must recognize what
// this server answers.
func TestHandler_SendResponseIsConfirmable(t *testing.T) {
	srv, _ := setupTestServer(t, connected())

	data, err := json.Marshal(map[string]string{"phone": "11987654321", "message": "hello"})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/send", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "3EB0ABCDEF", delivery.ExtractProviderMessageID(raw.Bytes()))
}
