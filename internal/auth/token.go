package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

// expiryLeeway is how close to expiry a cached token may be before a
// refresh is forced.
const expiryLeeway = 30 * time.Second

// defaultTokenTTL caches tokens without an exp claim for a short window
// rather than refreshing on every call.
const defaultTokenTTL = 15 * time.Minute

type Credentials struct {
	Email    string
	Password string
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

// TokenSource exchanges credentials for a bearer token and caches it until
// it nears expiry. Token validation is the server's job: the exp claim is
// read unverified, only to decide when to refresh.
type TokenSource struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	log     *log.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
	user    types.User
}

func NewTokenSource(baseURL string, creds Credentials, logger *log.Logger) (*TokenSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("auth: base url cannot be empty")
	}
	if creds.Email == "" || creds.Password == "" {
		return nil, fmt.Errorf("auth: credentials cannot be empty")
	}

	return &TokenSource{
		baseURL: baseURL,
		creds:   creds,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger,
	}, nil
}

// Token returns a cached token, refreshing it when missing or expiring
// within the leeway window.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Add(expiryLeeway).Before(ts.expires) {
		return ts.token, nil
	}

	if err := ts.refresh(ctx); err != nil {
		return "", err
	}

	return ts.token, nil
}

// User returns the account returned by the most recent login. Zero value
// before the first successful Token call.
func (ts *TokenSource) User() types.User {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.user
}

// Invalidate discards the cached token, forcing the next Token call to
// log in again. Used on logout and after auth rejections.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expires = time.Time{}
}

func (ts *TokenSource) refresh(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Email: ts.creds.Email, Password: ts.creds.Password})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("login: empty token in response")
	}

	ts.token = lr.Token
	ts.user = lr.User
	ts.expires = tokenExpiry(lr.Token, ts.log)

	return nil
}

func tokenExpiry(token string, logger *log.Logger) time.Time {
	parser := new(jwt.Parser)
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		logger.Println("parse token:", err)
		return time.Now().Add(defaultTokenTTL)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Now().Add(defaultTokenTTL)
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Now().Add(defaultTokenTTL)
	}

	return time.Unix(int64(exp), 0)
}
