package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsgate/internal/billing"
	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/gateway"
	"github.com/lalithlochan/smsgate/internal/redis"
	"github.com/lalithlochan/smsgate/internal/status"
	"github.com/lalithlochan/smsgate/internal/webhook"
)

var errDatabase = errors.New("database error")

// MockGateway records the inputs it receives and returns canned results
type MockGateway struct {
	err        error
	sendResult *gateway.SendResult
	message    *db.Message

	sendCalls  int
	sendInput  gateway.SendInput
	bulkInput  gateway.BulkSendInput
	recvInput  gateway.ReceiveInput
	statusIn   gateway.StatusUpdate
	register   gateway.RegisterInput
	heartbeat  *string
	listKind   gateway.MessageKind
	listPage   int
	listLimit  int
	lastUserID uuid.UUID
}

func (m *MockGateway) RegisterDevice(ctx context.Context, userID uuid.UUID, in gateway.RegisterInput) (*db.Device, error) {
	m.lastUserID, m.register = userID, in
	if m.err != nil {
		return nil, m.err
	}
	return &db.Device{ID: uuid.New(), UserID: userID, Model: in.Model, BuildID: in.BuildID, Enabled: true}, nil
}

func (m *MockGateway) ListDevices(ctx context.Context, userID uuid.UUID) ([]*db.Device, error) {
	m.lastUserID = userID
	return []*db.Device{}, m.err
}

func (m *MockGateway) UpdateDevice(ctx context.Context, userID, deviceID uuid.UUID, in gateway.DeviceUpdateInput) (*db.Device, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &db.Device{ID: deviceID, UserID: userID}, nil
}

func (m *MockGateway) DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	return m.err
}

func (m *MockGateway) Heartbeat(ctx context.Context, userID, deviceID uuid.UUID, pushToken *string) error {
	m.heartbeat = pushToken
	return m.err
}

func (m *MockGateway) SendSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.SendInput) (*gateway.SendResult, error) {
	m.sendCalls++
	m.lastUserID, m.sendInput = userID, in
	if m.err != nil {
		return nil, m.err
	}
	return m.sendResult, nil
}

func (m *MockGateway) SendBulkSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.BulkSendInput) (*gateway.SendResult, error) {
	m.sendCalls++
	m.bulkInput = in
	if m.err != nil {
		return nil, m.err
	}
	return m.sendResult, nil
}

func (m *MockGateway) ReceiveSMS(ctx context.Context, userID, deviceID uuid.UUID, in gateway.ReceiveInput) (*db.Message, error) {
	m.recvInput = in
	if m.err != nil {
		return nil, m.err
	}
	return m.message, nil
}

func (m *MockGateway) UpdateStatus(ctx context.Context, userID, deviceID uuid.UUID, in gateway.StatusUpdate) (*db.Message, error) {
	m.statusIn = in
	if m.err != nil {
		return nil, m.err
	}
	return m.message, nil
}

func (m *MockGateway) ListReceived(ctx context.Context, userID, deviceID uuid.UUID, page, limit int) (*gateway.MessagePage, error) {
	return m.ListMessages(ctx, userID, deviceID, gateway.KindReceived, page, limit)
}

func (m *MockGateway) ListMessages(ctx context.Context, userID, deviceID uuid.UUID, kind gateway.MessageKind, page, limit int) (*gateway.MessagePage, error) {
	m.listKind, m.listPage, m.listLimit = kind, page, limit
	if m.err != nil {
		return nil, m.err
	}
	return &gateway.MessagePage{Meta: gateway.PageMeta{Page: page, Limit: limit}, Data: []*db.Message{}}, nil
}

func (m *MockGateway) GetMessage(ctx context.Context, userID, deviceID, smsID uuid.UUID) (*db.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.message, nil
}

func (m *MockGateway) GetBatch(ctx context.Context, userID, deviceID, batchID uuid.UUID) (*gateway.BatchDetail, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &gateway.BatchDetail{Batch: &db.Batch{ID: batchID, DeviceID: deviceID}, Messages: []*db.Message{}}, nil
}

func (m *MockGateway) Stats(ctx context.Context, userID uuid.UUID) (*db.UserStats, error) {
	m.lastUserID = userID
	if m.err != nil {
		return nil, m.err
	}
	return &db.UserStats{TotalSentSMSCount: 7, TotalReceivedSMSCount: 2, TotalDeviceCount: 1}, nil
}

// MockWebhooks is an in-memory subscription service
type MockWebhooks struct {
	err  error
	subs map[uuid.UUID]*db.WebhookSubscription
}

func (m *MockWebhooks) CreateSubscription(ctx context.Context, userID uuid.UUID, in webhook.CreateSubscriptionInput) (*db.WebhookSubscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	sub := &db.WebhookSubscription{ID: uuid.New(), UserID: userID, DeliveryURL: in.DeliveryURL, Events: in.Events, IsActive: true}
	if m.subs == nil {
		m.subs = map[uuid.UUID]*db.WebhookSubscription{}
	}
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *MockWebhooks) GetSubscription(ctx context.Context, userID, id uuid.UUID) (*db.WebhookSubscription, error) {
	sub, ok := m.subs[id]
	if !ok || sub.UserID != userID {
		return nil, webhook.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *MockWebhooks) ListSubscriptions(ctx context.Context, userID uuid.UUID) ([]*db.WebhookSubscription, error) {
	out := []*db.WebhookSubscription{}
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, m.err
}

func (m *MockWebhooks) UpdateSubscription(ctx context.Context, userID, id uuid.UUID, in webhook.UpdateSubscriptionInput) (*db.WebhookSubscription, error) {
	sub, err := m.GetSubscription(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.IsActive != nil {
		sub.IsActive = *in.IsActive
	}
	return sub, nil
}

// MockIdempotency mimics redis.IdempotencyService
type MockIdempotency struct {
	mu       sync.Mutex
	reserved map[string]bool
	results  map[string]*redis.IdempotencyResult
	released int
}

func NewMockIdempotency() *MockIdempotency {
	return &MockIdempotency{reserved: map[string]bool{}, results: map[string]*redis.IdempotencyResult{}}
}

func (m *MockIdempotency) CheckOrReserve(ctx context.Context, userID, key string) (*redis.IdempotencyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + ":" + key
	if res, ok := m.results[k]; ok {
		return res, nil
	}
	if m.reserved[k] {
		return nil, redis.ErrDuplicateRequest
	}
	m.reserved[k] = true
	return nil, nil
}

func (m *MockIdempotency) Store(ctx context.Context, userID, key string, result *redis.IdempotencyResult, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[userID+":"+key] = result
	return nil
}

func (m *MockIdempotency) Release(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, userID+":"+key)
	m.released++
	return nil
}

type testServer struct {
	gw      *MockGateway
	hooks   *MockWebhooks
	idem    *MockIdempotency
	router  http.Handler
	userID  uuid.UUID
	device  uuid.UUID
	healthy error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		gw:     &MockGateway{},
		hooks:  &MockWebhooks{},
		idem:   NewMockIdempotency(),
		userID: uuid.New(),
		device: uuid.New(),
	}
	logger := zap.NewNop()
	h := NewHandlerWithIdempotency(logger, ts.gw, ts.hooks, ts.idem, time.Hour)
	ts.router = NewRouter(h, RouterConfig{
		Health: func(context.Context) error { return ts.healthy },
	}, logger)
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, ts.userID.String())
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) devicePath(suffix string) string {
	return "/v1/gateway/devices/" + ts.device.String() + suffix
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json, got %q", ct)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode problem: %v", err)
	}
	return resp
}

func TestRequireUser(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not a uuid", "user-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/gateway/stats", nil)
			if tt.header != "" {
				req.Header.Set(UserHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			ts.router.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if decodeProblem(t, rr).Type != "unauthorized" {
				t.Error("expected unauthorized problem type")
			}
		})
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("GET", "/v1/gateway/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data db.UserStats `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.TotalSentSMSCount != 7 || resp.Data.TotalDeviceCount != 1 {
		t.Errorf("unexpected stats: %+v", resp.Data)
	}
	if ts.gw.lastUserID != ts.userID {
		t.Error("stats should be scoped to the calling user")
	}
}

func TestRegisterDevice(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		wantDetail     string
	}{
		{
			name:           "valid registration",
			body:           `{"model":"Pixel 8","buildId":"AP1A","fcmToken":"tok","appVersionCode":14}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "missing model",
			body:           `{"buildId":"AP1A"}`,
			expectedStatus: http.StatusBadRequest,
			wantDetail:     "model failed required",
		},
		{
			name:           "negative version",
			body:           `{"model":"Pixel 8","buildId":"AP1A","appVersionCode":-1}`,
			expectedStatus: http.StatusBadRequest,
			wantDetail:     "appVersionCode failed gte=0",
		},
		{
			name:           "malformed JSON",
			body:           `{"model":`,
			expectedStatus: http.StatusBadRequest,
			wantDetail:     "malformed JSON body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)

			rr := ts.do("POST", "/v1/gateway/devices", tt.body)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.wantDetail != "" {
				if p := decodeProblem(t, rr); !strings.Contains(p.Detail, tt.wantDetail) {
					t.Errorf("detail %q should contain %q", p.Detail, tt.wantDetail)
				}
				return
			}
			if ts.gw.register.PushToken != "tok" || ts.gw.register.AppVersionCode != 14 {
				t.Errorf("unexpected input: %+v", ts.gw.register)
			}
		})
	}
}

func TestUpdateAndDeleteDevice(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("PATCH", ts.devicePath(""), `{"enabled":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.do("DELETE", ts.devicePath(""), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rr.Code)
	}

	ts.gw.err = gateway.ErrDeviceNotFound
	rr = ts.do("DELETE", ts.devicePath(""), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete unknown: expected 404, got %d", rr.Code)
	}

	rr = ts.do("PATCH", "/v1/gateway/devices/not-a-uuid", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rr.Code)
	}
}

func TestSendSMS(t *testing.T) {
	batchID := uuid.New()

	tests := []struct {
		name           string
		path           string
		body           string
		result         *gateway.SendResult
		err            error
		expectedStatus int
		wantMessage    string
		wantRecipients int
	}{
		{
			name:           "current field names",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":["+251911000001","+251911000002"]}`,
			result:         &gateway.SendResult{Success: true, BatchID: batchID, Status: status.BatchCompleted},
			expectedStatus: http.StatusCreated,
			wantMessage:    "hi",
			wantRecipients: 2,
		},
		{
			name:           "legacy field names on legacy path",
			path:           "/sendSMS",
			body:           `{"smsBody":"hello","receivers":["+251911000001"]}`,
			result:         &gateway.SendResult{Success: true, BatchID: batchID, Status: status.BatchCompleted},
			expectedStatus: http.StatusCreated,
			wantMessage:    "hello",
			wantRecipients: 1,
		},
		{
			name:           "queued send is accepted",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":["+251911000001"]}`,
			result:         &gateway.SendResult{Success: true, BatchID: batchID, Status: status.BatchProcessing, Queued: true},
			expectedStatus: http.StatusAccepted,
			wantMessage:    "hi",
			wantRecipients: 1,
		},
		{
			name:           "blank message",
			path:           "/send-sms",
			body:           `{"recipients":["+251911000001"]}`,
			err:            gateway.ErrEmptyMessage,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "empty recipient entry",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":[""]}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "disabled device",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":["+251911000001"]}`,
			err:            gateway.ErrDeviceUnavailable,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "transport failure",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":["+251911000001"]}`,
			err:            fmt.Errorf("%w: push rejected", gateway.ErrDispatchFailed),
			expectedStatus: http.StatusBadGateway,
		},
		{
			name:           "unexpected error",
			path:           "/send-sms",
			body:           `{"message":"hi","recipients":["+251911000001"]}`,
			err:            errDatabase,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.gw.sendResult = tt.result
			ts.gw.err = tt.err

			rr := ts.do("POST", ts.devicePath(tt.path), tt.body)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.wantMessage == "" {
				return
			}
			if ts.gw.sendInput.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", ts.gw.sendInput.Message, tt.wantMessage)
			}
			if len(ts.gw.sendInput.Recipients) != tt.wantRecipients {
				t.Errorf("recipients = %v, want %d", ts.gw.sendInput.Recipients, tt.wantRecipients)
			}

			var resp struct {
				Data gateway.SendResult `json:"data"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Data.BatchID != batchID {
				t.Errorf("smsBatchId = %s, want %s", resp.Data.BatchID, batchID)
			}
		})
	}
}

func TestSendSMS_LimitExceeded(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.err = &billing.LimitError{
		Reason: "You have reached your daily limit, you only have 3 remaining",
		Limits: billing.Limits{DailyLimit: 100, DailyRemaining: 3, MonthlyLimit: billing.Unlimited},
	}

	rr := ts.do("POST", ts.devicePath("/send-sms"), `{"message":"hi","recipients":["+1","+2","+3","+4"]}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}

	p := decodeProblem(t, rr)
	if p.Type != "limit_exceeded" {
		t.Errorf("type = %q, want limit_exceeded", p.Type)
	}
	if p.Limits == nil || p.Limits.DailyRemaining != 3 {
		t.Errorf("expected limits in body, got %+v", p.Limits)
	}
}

func TestSendSMS_Idempotency(t *testing.T) {
	ts := newTestServer(t)
	batchID := uuid.New()
	ts.gw.sendResult = &gateway.SendResult{Success: true, BatchID: batchID, Status: status.BatchCompleted, RecipientCount: 1}
	body := `{"message":"hi","recipients":["+251911000001"]}`

	first := ts.do("POST", ts.devicePath("/send-sms"), body, "Idempotency-Key", "abc")
	if first.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", first.Code)
	}

	second := ts.do("POST", ts.devicePath("/send-sms"), body, "Idempotency-Key", "abc")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	if ts.gw.sendCalls != 1 {
		t.Errorf("gateway called %d times, want 1", ts.gw.sendCalls)
	}

	var resp struct {
		Data gateway.SendResult `json:"data"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.BatchID != batchID || resp.Data.Status != status.BatchCompleted {
		t.Errorf("replay = %+v, want batch %s completed", resp.Data, batchID)
	}
}

func TestSendSMS_IdempotencyReleasedOnFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.err = gateway.ErrNoRecipients
	body := `{"message":"hi","recipients":[]}`

	rr := ts.do("POST", ts.devicePath("/send-sms"), body, "Idempotency-Key", "retry-me")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if ts.idem.released != 1 {
		t.Errorf("expected key release, got %d", ts.idem.released)
	}

	ts.gw.err = nil
	ts.gw.sendResult = &gateway.SendResult{Success: true, BatchID: uuid.New(), Status: status.BatchCompleted}
	rr = ts.do("POST", ts.devicePath("/send-sms"), `{"message":"hi","recipients":["+1"]}`, "Idempotency-Key", "retry-me")
	if rr.Code != http.StatusCreated {
		t.Fatalf("retry: expected 201, got %d", rr.Code)
	}
}

func TestSendSMS_IdempotencyInProgress(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.idem.CheckOrReserve(context.Background(), ts.userID.String(), "busy"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rr := ts.do("POST", ts.devicePath("/send-sms"), `{"message":"hi","recipients":["+1"]}`, "Idempotency-Key", "busy")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if ts.gw.sendCalls != 0 {
		t.Error("gateway should not be called while the key is reserved")
	}
}

func TestSendBulkSMS(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.sendResult = &gateway.SendResult{Success: true, BatchID: uuid.New(), Status: status.BatchProcessing, Queued: true}

	body := `{
		"messageTemplate": "Hi {name}",
		"messages": [
			{"message": "Hi Abebe", "recipients": ["+251911000001"]},
			{"message": "Hi Sara", "recipients": ["+251911000002"], "scheduledAt": "2030-01-01T09:00:00Z"}
		]
	}`
	rr := ts.do("POST", ts.devicePath("/send-bulk-sms"), body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	in := ts.gw.bulkInput
	if in.MessageTemplate != "Hi {name}" || len(in.Messages) != 2 {
		t.Fatalf("unexpected input: %+v", in)
	}
	if in.Messages[1].ScheduledAt != "2030-01-01T09:00:00Z" {
		t.Errorf("scheduledAt = %q", in.Messages[1].ScheduledAt)
	}

	rr = ts.do("POST", ts.devicePath("/send-bulk-sms"), `{"messages":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty list: expected 400, got %d", rr.Code)
	}
}

func TestReceiveSMS(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.message = &db.Message{ID: uuid.New(), Direction: db.DirectionReceived, Status: status.MessageReceived}

	rr := ts.do("POST", ts.devicePath("/receive-sms"), `{"sender":"+251911000009","message":"ok","receivedAtInMillis":1777888800000}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	in := ts.gw.recvInput
	if in.ReceivedAt == nil || !in.ReceivedAt.Equal(time.UnixMilli(1777888800000)) {
		t.Errorf("receivedAt = %v", in.ReceivedAt)
	}

	rr = ts.do("POST", ts.devicePath("/receiveSMS"), `{"sender":"+251911000009","message":"ok","receivedAt":"2026-05-04T10:00:00Z"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("legacy path: expected 201, got %d", rr.Code)
	}

	rr = ts.do("POST", ts.devicePath("/receive-sms"), `{"message":"ok"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing sender: expected 400, got %d", rr.Code)
	}
}

func TestUpdateSMSStatus(t *testing.T) {
	smsID := uuid.New()
	batchID := uuid.New()

	tests := []struct {
		name           string
		body           string
		err            error
		expectedStatus int
	}{
		{
			name:           "delivered with timestamp",
			body:           fmt.Sprintf(`{"smsId":%q,"smsBatchId":%q,"status":"DELIVERED","deliveredAtInMillis":1777888800000}`, smsID, batchID),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid sms id",
			body:           `{"smsId":"nope","status":"sent"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing status",
			body:           fmt.Sprintf(`{"smsId":%q}`, smsID),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "message of another device",
			body:           fmt.Sprintf(`{"smsId":%q,"status":"sent"}`, smsID),
			err:            gateway.ErrForbidden,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "unknown message",
			body:           fmt.Sprintf(`{"smsId":%q,"status":"sent"}`, smsID),
			err:            gateway.ErrMessageNotFound,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "backwards transition",
			body:           fmt.Sprintf(`{"smsId":%q,"status":"sent"}`, smsID),
			err:            fmt.Errorf("%w: delivered -> sent", status.ErrInvalidTransition),
			expectedStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.gw.err = tt.err
			ts.gw.message = &db.Message{ID: smsID, Status: status.MessageDelivered}

			rr := ts.do("PATCH", ts.devicePath("/sms-status"), tt.body)
			if rr.Code != tt.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			in := ts.gw.statusIn
			if in.SMSID != smsID || in.BatchID == nil || *in.BatchID != batchID {
				t.Errorf("ids not passed through: %+v", in)
			}
			if in.Status != "DELIVERED" {
				t.Errorf("status should be passed raw for normalisation, got %q", in.Status)
			}
			if in.DeliveredAt == nil || in.DeliveredAt.UnixMilli() != 1777888800000 {
				t.Errorf("deliveredAt = %v", in.DeliveredAt)
			}
		})
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("POST", ts.devicePath("/heartbeat"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("empty body: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ts.gw.heartbeat != nil {
		t.Error("no token should be passed for an empty body")
	}

	rr = ts.do("POST", ts.devicePath("/heartbeat"), `{"fcmToken":"new-token"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("with token: expected 200, got %d", rr.Code)
	}
	if ts.gw.heartbeat == nil || *ts.gw.heartbeat != "new-token" {
		t.Errorf("token = %v", ts.gw.heartbeat)
	}
}

func TestListMessages(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("GET", ts.devicePath("/messages?type=sent&page=2&limit=20"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ts.gw.listKind != gateway.KindSent || ts.gw.listPage != 2 || ts.gw.listLimit != 20 {
		t.Errorf("got kind=%s page=%d limit=%d", ts.gw.listKind, ts.gw.listPage, ts.gw.listLimit)
	}

	rr = ts.do("GET", ts.devicePath("/messages?page=abc"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("bad page: expected 200, got %d", rr.Code)
	}
	if ts.gw.listKind != gateway.KindAll || ts.gw.listPage != 1 || ts.gw.listLimit != gateway.DefaultPageSize {
		t.Errorf("defaults not applied: kind=%s page=%d limit=%d", ts.gw.listKind, ts.gw.listPage, ts.gw.listLimit)
	}

	rr = ts.do("GET", ts.devicePath("/messages?type=outbox"), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad type: expected 400, got %d", rr.Code)
	}

	rr = ts.do("GET", ts.devicePath("/get-received-sms"), "")
	if rr.Code != http.StatusOK || ts.gw.listKind != gateway.KindReceived {
		t.Fatalf("received: got %d kind=%s", rr.Code, ts.gw.listKind)
	}
}

func TestGetSMSAndBatch(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.message = &db.Message{ID: uuid.New()}

	rr := ts.do("GET", ts.devicePath("/sms/"+ts.gw.message.ID.String()), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sms: expected 200, got %d", rr.Code)
	}

	rr = ts.do("GET", ts.devicePath("/sms-batch/"+uuid.NewString()), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d", rr.Code)
	}

	rr = ts.do("GET", ts.devicePath("/sms/xyz"), "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad sms id: expected 400, got %d", rr.Code)
	}

	ts.gw.err = gateway.ErrBatchNotFound
	rr = ts.do("GET", ts.devicePath("/sms-batch/"+uuid.NewString()), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing batch: expected 404, got %d", rr.Code)
	}
}

func TestWebhooks(t *testing.T) {
	ts := newTestServer(t)
	secret := strings.Repeat("s", 24)

	rr := ts.do("POST", "/v1/webhooks", fmt.Sprintf(`{"deliveryUrl":"https://example.com/hook","signingSecret":%q,"events":["MESSAGE_RECEIVED"]}`, secret))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Data db.WebhookSubscription `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(rr.Body.String(), secret) {
		t.Error("signing secret must not be echoed")
	}

	rr = ts.do("GET", "/v1/webhooks", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}

	rr = ts.do("GET", "/v1/webhooks/"+created.Data.ID.String(), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}

	rr = ts.do("PATCH", "/v1/webhooks/"+created.Data.ID.String(), `{"isActive":false}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rr.Code)
	}
	if ts.hooks.subs[created.Data.ID].IsActive {
		t.Error("subscription should be inactive")
	}

	rr = ts.do("GET", "/v1/webhooks/"+uuid.NewString(), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown: expected 404, got %d", rr.Code)
	}
}

func TestCreateWebhook_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "short secret",
			body:       `{"deliveryUrl":"https://example.com","signingSecret":"short","events":["MESSAGE_SENT"]}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "signingSecret failed min=20",
		},
		{
			name:       "unknown event",
			body:       `{"deliveryUrl":"https://example.com","signingSecret":"aaaaaaaaaaaaaaaaaaaaaa","events":["MESSAGE_READ"]}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "events[0] failed webhook_event",
		},
		{
			name:       "not a url",
			body:       `{"deliveryUrl":"example","signingSecret":"aaaaaaaaaaaaaaaaaaaaaa","events":["MESSAGE_SENT"]}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "deliveryUrl failed url",
		},
		{
			name:       "no events",
			body:       `{"deliveryUrl":"https://example.com","signingSecret":"aaaaaaaaaaaaaaaaaaaaaa","events":[]}`,
			wantStatus: http.StatusBadRequest,
			wantDetail: "events failed min=1",
		},
		{
			name:       "duplicate subscription",
			body:       `{"deliveryUrl":"https://example.com","signingSecret":"aaaaaaaaaaaaaaaaaaaaaa","events":["MESSAGE_SENT"]}`,
			err:        webhook.ErrDuplicateSubscription,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.hooks.err = tt.err

			rr := ts.do("POST", "/v1/webhooks", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantDetail != "" {
				if p := decodeProblem(t, rr); !strings.Contains(p.Detail, tt.wantDetail) {
					t.Errorf("detail %q should contain %q", p.Detail, tt.wantDetail)
				}
			}
		})
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do("GET", "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", rr.Code, rr.Body.String())
	}

	ts.healthy = errDatabase
	rr = ts.do("GET", "/health", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestProblemFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{gateway.ErrDeviceNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", gateway.ErrInvalidSchedule), http.StatusBadRequest},
		{gateway.ErrScheduleNeedsQueue, http.StatusBadRequest},
		{webhook.ErrInvalidSecret, http.StatusBadRequest},
		{gateway.ErrEnqueueFailed, http.StatusInternalServerError},
		{&billing.LimitError{Reason: "x"}, http.StatusTooManyRequests},
		{errDatabase, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := problemFor(tt.err).Status; got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
		})
	}

	if problemFor(errDatabase).Detail != "" {
		t.Error("internal errors must not leak details")
	}
}
