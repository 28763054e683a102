package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/alsin/internal/api"
	"github.com/ashureev/alsin/internal/apitest"
	"github.com/ashureev/alsin/internal/config"
	"github.com/ashureev/alsin/internal/domain"
	"github.com/coder/websocket"
)

func doJSON(t *testing.T, method, url, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func login(t *testing.T, baseURL, email, password string) (*http.Response, api.TokenResponse) {
	t.Helper()
	form := url.Values{"username": {email}, "password": {password}}
	resp, err := http.PostForm(baseURL+"/users/login/token", form)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	var tok api.TokenResponse
	_ = json.NewDecoder(resp.Body).Decode(&tok)
	return resp, tok
}

func TestRegisterApproveLogin(t *testing.T) {
	srv := apitest.New(t)
	admin := srv.CreateUser(t, "admin@alsin.test", "admin-pass", domain.RoleAdmin)
	adminToken := srv.Token(t, admin)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users/register", "", api.RegisterRequest{
		Email: "Farmer@alsin.test", FullName: "Pak Tani", Password: "secret1", Role: domain.RolePetaniInstansi,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d (%v)", resp.StatusCode, body)
	}
	newID := int64(body["id"].(float64))

	resp, _ = login(t, srv.URL, "farmer@alsin.test", "secret1")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("login before approval: expected 403, got %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/users/"+strconv.FormatInt(newID, 10)+"/approve", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d (%v)", resp.StatusCode, body)
	}

	resp, tok := login(t, srv.URL, "farmer@alsin.test", "secret1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.StatusCode)
	}
	if tok.TokenType != "bearer" || tok.AccessToken == "" {
		t.Fatalf("unexpected token response %+v", tok)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/users/me", tok.AccessToken, nil)
	if resp.StatusCode != http.StatusOK || body["email"] != "farmer@alsin.test" {
		t.Fatalf("me: unexpected %d %v", resp.StatusCode, body)
	}
	if _, leaked := body["PasswordHash"]; leaked {
		t.Fatal("password hash must not be serialized")
	}
}

func TestRegisterDuplicateAndAdminRole(t *testing.T) {
	srv := apitest.New(t)
	srv.CreateUser(t, "dosen@alsin.test", "pw-123456", domain.RoleDosen)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/users/register", "", api.RegisterRequest{
		Email: "dosen@alsin.test", FullName: "Dup", Password: "secret1", Role: domain.RoleDosen,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate: expected 400, got %d", resp.StatusCode)
	}
	if !strings.Contains(body["detail"].(string), "already registered") {
		t.Fatalf("unexpected detail %v", body["detail"])
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/register", "", api.RegisterRequest{
		Email: "sneaky@alsin.test", FullName: "Sneaky", Password: "secret1", Role: domain.RoleAdmin,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("admin self-registration: expected 400, got %d", resp.StatusCode)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := apitest.New(t)
	srv.CreateUser(t, "plp@alsin.test", "right-pass", domain.RolePLP)

	resp, _ := login(t, srv.URL, "plp@alsin.test", "wrong-pass")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	srv := apitest.New(t)
	student := srv.CreateUser(t, "student@alsin.test", "pw-123456", domain.RoleMahasiswa)
	token := srv.Token(t, student)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/users/", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("list users as student: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/users/1/approve", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("approve as student: expected 403, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/users/me", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", resp.StatusCode)
	}
}

func TestDirectoryExcludesCaller(t *testing.T) {
	srv := apitest.New(t)
	a := srv.CreateUser(t, "a@alsin.test", "pw-123456", domain.RoleMahasiswa)
	srv.CreateUser(t, "b@alsin.test", "pw-123456", domain.RoleDosen)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/users/directory", nil)
	req.Header.Set("Authorization", "Bearer "+srv.Token(t, a))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	defer resp.Body.Close()

	var partners []domain.Partner
	if err := json.NewDecoder(resp.Body).Decode(&partners); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(partners) != 1 || partners[0].FullName != "b@alsin.test" {
		t.Fatalf("unexpected directory %+v", partners)
	}
}

func dialChat(t *testing.T, srv *apitest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws?token=" + url.QueryEscape(token)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) domain.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func TestChatRelayEchoesAndPersists(t *testing.T) {
	srv := apitest.New(t)
	a := srv.CreateUser(t, "a@alsin.test", "pw-123456", domain.RoleMahasiswa)
	b := srv.CreateUser(t, "b@alsin.test", "pw-123456", domain.RoleDosen)

	connA := dialChat(t, srv, srv.Token(t, a))
	connB := dialChat(t, srv, srv.Token(t, b))
	srv.WaitForConnections(t, 2)

	payload, _ := json.Marshal(domain.OutboundMessage{ReceiverID: b.ID, Content: "hello"})
	if err := connA.Write(context.Background(), websocket.MessageText, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	gotB := readMessage(t, connB)
	if gotB.Content != "hello" || gotB.SenderID != a.ID || gotB.ReceiverID != b.ID || gotB.ID == 0 {
		t.Fatalf("receiver got %+v", gotB)
	}
	gotA := readMessage(t, connA)
	if gotA.ID != gotB.ID {
		t.Fatalf("sender echo %+v does not match delivered %+v", gotA, gotB)
	}

	resp, err := func() (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/chat/history/"+strconv.FormatInt(a.ID, 10), nil)
		req.Header.Set("Authorization", "Bearer "+srv.Token(t, b))
		return http.DefaultClient.Do(req)
	}()
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	var history []domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].ID != gotB.ID {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestChatRejectsInvalidFrames(t *testing.T) {
	srv := apitest.New(t)
	a := srv.CreateUser(t, "a@alsin.test", "pw-123456", domain.RoleMahasiswa)
	conn := dialChat(t, srv, srv.Token(t, a))

	for _, frame := range []string{`not json`, `{"receiver_id": 999, "content": "hi"}`, `{"receiver_id": 1, "content": "   "}`} {
		if err := conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != `{"error":"Invalid data format"}` {
			t.Fatalf("frame %q: unexpected reply %s", frame, data)
		}
	}
}

func TestChatRejectsBadCredential(t *testing.T) {
	srv := apitest.New(t)
	conn := dialChat(t, srv, "garbage")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := apitest.New(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health %d %v", resp.StatusCode, body)
	}
}

func TestEnsureAdminBootstrapsOnce(t *testing.T) {
	srv := apitest.New(t)
	cfg := &config.Config{Admin: config.AdminConfig{Email: "Root@alsin.test", Password: "root-pass", FullName: "Root"}}
	h := api.NewHandler(srv.Repo, srv.Issuer, cfg)

	for i := 0; i < 2; i++ {
		if err := h.EnsureAdmin(context.Background()); err != nil {
			t.Fatalf("EnsureAdmin #%d failed: %v", i+1, err)
		}
	}

	resp, tok := login(t, srv.URL, "root@alsin.test", "root-pass")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin login: expected 200, got %d", resp.StatusCode)
	}
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/users/", tok.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list users as admin: expected 200, got %d (%v)", resp.StatusCode, body)
	}
}
