// Package client assembles the transport, store, call and REST components
// into a single session with an explicit init (login) and teardown (logout)
// lifecycle.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/mentorhub/mentorchat-go/internal/auth"
	"github.com/mentorhub/mentorchat-go/internal/call"
	"github.com/mentorhub/mentorchat-go/internal/config"
	"github.com/mentorhub/mentorchat-go/internal/rest"
	"github.com/mentorhub/mentorchat-go/internal/stats"
	"github.com/mentorhub/mentorchat-go/internal/store"
	"github.com/mentorhub/mentorchat-go/internal/transport"
	"github.com/mentorhub/mentorchat-go/internal/types"
)

// Session owns one authenticated client lifetime. Components are wired on
// Start and torn down on Close; nothing is shared between sessions.
type Session struct {
	log   *log.Logger
	cfg   *config.Config
	stats stats.StatsProvider
	media call.MediaProvider
	hooks call.Hooks

	tokens *auth.TokenSource
	rest   *rest.Client

	mu        sync.Mutex
	started   bool
	user      types.User
	transport *transport.Client
	store     *store.ChatStore
	calls     *call.Client

	closeOnce sync.Once
}

func NewSession(cfg *config.Config, media call.MediaProvider, hooks call.Hooks, logger *log.Logger, sp stats.StatsProvider) (*Session, error) {
	tokens, err := auth.NewTokenSource(cfg.APIBaseURL, auth.Credentials{
		Email:    cfg.Email,
		Password: cfg.Password,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("token source: %w", err)
	}

	restClient, err := rest.NewClient(cfg.APIBaseURL, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("rest client: %w", err)
	}

	return &Session{
		log:    logger,
		cfg:    cfg,
		stats:  sp,
		media:  media,
		hooks:  hooks,
		tokens: tokens,
		rest:   restClient,
	}, nil
}

// Start logs in, connects the transport and wires the store and call
// client to it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if _, err := s.tokens.Token(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.user = s.tokens.User()

	tc, err := transport.NewClient(transport.Config{
		URL:              s.cfg.SocketURL,
		UserId:           s.user.Id,
		Token:            s.tokens.Token,
		MaxReconnects:    s.cfg.MaxReconnects,
		ReconnectBackoff: s.cfg.ReconnectBackoff,
	}, s.log, s.stats)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	s.transport = tc
	s.store = store.NewChatStore(s.rest, tc, s.user, s.log, s.stats)
	s.calls = call.NewClient(tc, s.media, s.user.Id, s.hooks, s.log, s.stats)

	go s.store.Run()

	if err := tc.Connect(ctx); err != nil {
		s.store.Stop()
		s.calls.Close()
		return fmt.Errorf("connect: %w", err)
	}

	s.started = true
	return nil
}

// Close tears the session down: active call ended, transport disconnected,
// store stopped, token cache dropped. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.calls != nil {
			s.calls.Close()
		}
		if s.store != nil {
			s.store.Stop()
		}
		if s.transport != nil {
			s.transport.Disconnect()
		}
		s.tokens.Invalidate()
		s.started = false
	})
}

// User returns the logged-in account. Zero value before Start.
func (s *Session) User() types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Store() *store.ChatStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Session) Calls() *call.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Session) Transport() *transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) Rest() *rest.Client {
	return s.rest
}
