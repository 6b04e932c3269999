// Package deribit maintains the authenticated websocket session: auth,
// heartbeats, token refresh, subscriptions and the read loop feeding the
// ingestion queue.
package deribit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/venoajie/ws-streamer/alert"
	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/internal/channel"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

const (
	idAuth      = 9929
	idHeartbeat = 9098
	idTest      = 8212

	heartbeatIntervalSec = 10
	refreshCheckInterval = 150 * time.Second

	// Live tokens are refreshed 240s before the server-side expiry;
	// testnet reports unreliable lifetimes so a flat 5 minutes is used.
	liveExpiryMargin     = 240 * time.Second
	testnetTokenLifetime = 300 * time.Second
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
	Result  json.RawMessage `json:"result"`
	Testnet bool            `json:"testnet"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Session owns one websocket connection for one sub-account. It does not
// reconnect: when the transport fails Run returns and external supervision
// restarts the session, which rebuilds auth and subscriptions together.
type Session struct {
	config   *appconfig.Config
	account  appconfig.AccountConfig
	queue    *channel.Channels
	notifier alert.Notifier

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu              sync.Mutex
	running         bool
	refreshToken    string
	refreshDeadline time.Time

	nextID int64
	log    *logger.Log
}

func NewSession(cfg *appconfig.Config, account appconfig.AccountConfig, queue *channel.Channels, notifier alert.Notifier) *Session {
	return &Session{
		config:   cfg,
		account:  account,
		queue:    queue,
		notifier: notifier,
		nextID:   1000,
		log:      logger.GetLogger(),
	}
}

// Run connects, authenticates, subscribes and consumes the stream until the
// connection fails or the context ends.
func (s *Session) Run(ctx context.Context, instruments []models.Instrument, resolutions []string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session for account %s already running", s.account.ID)
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log := s.log.WithComponent("deribit_session").WithFields(logger.Fields{"account": s.account.ID})

	dialer := websocket.Dialer{HandshakeTimeout: s.config.Deribit.Timeout}
	conn, _, err := dialer.DialContext(ctx, s.config.Deribit.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.config.Deribit.WSURL, err)
	}
	s.conn = conn
	defer s.closeConn()

	if err := s.authenticate(); err != nil {
		return err
	}
	if err := s.establishHeartbeat(); err != nil {
		return err
	}

	channels := BuildChannels(instruments, resolutions)
	if err := s.subscribe(channels); err != nil {
		return err
	}
	log.WithFields(logger.Fields{"channels": len(channels)}).Info("session established, subscriptions requested")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(runCtx)
	}()

	err = s.readLoop(runCtx)
	cancel()
	wg.Wait()
	return err
}

func (s *Session) authenticate() error {
	return s.writeRequest(idAuth, "public/auth", map[string]interface{}{
		"grant_type":    "client_credentials",
		"client_id":     s.account.ClientID,
		"client_secret": s.account.ClientSecret,
	})
}

func (s *Session) establishHeartbeat() error {
	return s.writeRequest(idHeartbeat, "public/set_heartbeat", map[string]interface{}{
		"interval": heartbeatIntervalSec,
	})
}

func (s *Session) subscribe(channels []string) error {
	return s.writeRequest(s.nextRequestID(), "private/subscribe", map[string]interface{}{
		"channels": channels,
	})
}

// refreshLoop wakes on a coarse timer and re-authenticates with the refresh
// grant once the current token is close to expiry.
func (s *Session) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	log := s.log.WithComponent("deribit_session").WithFields(logger.Fields{"account": s.account.ID, "worker": "token_refresh"})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.shouldRefresh(time.Now()) {
				continue
			}
			s.mu.Lock()
			token := s.refreshToken
			s.mu.Unlock()

			if err := s.writeRequest(idAuth, "public/auth", map[string]interface{}{
				"grant_type":    "refresh_token",
				"refresh_token": token,
			}); err != nil {
				log.WithError(err).Warn("failed to send token refresh")
				s.notifier.Notify(fmt.Sprintf("account %s: token refresh failed: %v", s.account.ID, err))
				continue
			}
			log.Info("token refresh requested")
		}
	}
}

// shouldRefresh reports whether the token deadline has passed. A session
// that has not completed its first auth never refreshes.
func (s *Session) shouldRefresh(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken != "" && now.After(s.refreshDeadline)
}

func (s *Session) applyAuthResult(result authResult, testnet bool) {
	lifetime := testnetTokenLifetime
	if !testnet {
		lifetime = time.Duration(result.ExpiresIn)*time.Second - liveExpiryMargin
	}

	s.mu.Lock()
	s.refreshToken = result.RefreshToken
	s.refreshDeadline = time.Now().Add(lifetime)
	s.mu.Unlock()

	s.log.WithComponent("deribit_session").WithFields(logger.Fields{
		"account":  s.account.ID,
		"lifetime": lifetime.String(),
	}).Info("authenticated")
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.notifier.Notify(fmt.Sprintf("account %s: stream terminated: %v", s.account.ID, err))
			return fmt.Errorf("read stream for account %s: %w", s.account.ID, err)
		}
		s.handleFrame(ctx, raw)
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	log := s.log.WithComponent("deribit_session").WithFields(logger.Fields{"account": s.account.ID})

	var frame rpcFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.WithError(err).Warn("failed to decode frame")
		return
	}

	switch {
	case frame.Error != nil:
		log.WithFields(logger.Fields{"code": frame.Error.Code, "id": frame.ID}).Error(frame.Error.Message)
		if frame.ID == idAuth {
			s.notifier.Notify(fmt.Sprintf("account %s: authentication rejected: %s", s.account.ID, frame.Error.Message))
		}

	case frame.ID == idAuth && len(frame.Result) > 0:
		var result authResult
		if err := json.Unmarshal(frame.Result, &result); err != nil {
			log.WithError(err).Warn("failed to decode auth result")
			return
		}
		s.applyAuthResult(result, frame.Testnet || s.config.Deribit.Testnet)

	case frame.Method == "heartbeat":
		// The server sends two heartbeat variants: plain keep-alives
		// (type "heartbeat") and test_request challenges. Only the
		// challenge expects a public/test reply; answering keep-alives
		// too would double the outbound traffic for no effect.
		if frame.Params.Type == "test_request" {
			if err := s.writeRequest(idTest, "public/test", nil); err != nil {
				log.WithError(err).Warn("failed to answer heartbeat")
			}
		}

	case frame.Method == "subscription":
		logger.IncrementStreamRead(len(frame.Params.Data))
		s.queue.Send(ctx, models.EventEnvelope{
			Exchange:   "deribit",
			AccountID:  s.account.ID,
			Channel:    frame.Params.Channel,
			Data:       frame.Params.Data,
			ReceivedAt: time.Now(),
		})

	default:
		// set_heartbeat, test and subscribe acknowledgements
		log.WithFields(logger.Fields{"id": frame.ID}).Debug("acknowledgement received")
	}
}

func (s *Session) writeRequest(id int64, method string, params interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}
	return nil
}

func (s *Session) nextRequestID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Session) closeConn() {
	deadline := time.Now().Add(s.config.Deribit.CloseTimeout)
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil && err != websocket.ErrCloseSent {
		s.log.WithComponent("deribit_session").WithError(err).Debug("close handshake failed")
	}
	s.conn.Close()
}
