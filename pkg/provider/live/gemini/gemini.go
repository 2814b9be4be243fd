// Package gemini implements [live.Provider] for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages: one setup message, then realtimeInput media chunks
// upstream and serverContent messages downstream. Audio travels as
// base64-encoded 16-bit PCM.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tutorlive/pkg/audio"
	"github.com/MrWong99/tutorlive/pkg/provider/live"
)

// Compile-time assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*session)(nil)
)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice   = "Zephyr"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	sendTimeout       = 5 * time.Second
	eventBuffer       = 64
	readLimit         = 8 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Used in tests to point at a
// local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithKeepalive overrides the ping interval. Non-positive disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements [live.Provider] for Gemini Live. The API key is taken
// from each [live.Config] so a rotated credential is picked up on the next
// Connect.
type Provider struct {
	baseURL   string
	keepalive time.Duration
	log       *slog.Logger
}

// New creates a Gemini Live provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the endpoint and sends the setup message. The session becomes
// usable when [live.EventOpen] arrives on its event stream.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w: empty api key", live.ErrAuthentication)
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, cfg.APIKey,
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("gemini: dial: %w (http %d)", live.ErrAuthentication, resp.StatusCode)
		}
		// The error text echoes the URL, which carries the key.
		return nil, fmt.Errorf("gemini: dial: %s", redact(err.Error(), cfg.APIKey))
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log,
		loops:  make(chan struct{}),
	}

	if err := s.writeJSON(s.ctx, newSetup(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	if p.keepalive > 0 {
		go s.keepaliveLoop(p.keepalive)
	}
	return s, nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[redacted]")
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func newSetup(cfg live.Config) setupMessage {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	modalities := make([]string, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		modalities = append(modalities, string(m))
	}
	if len(modalities) == 0 {
		modalities = []string{string(live.ModalityAudio)}
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	msg := setupMessage{Setup: setupConfig{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: modalities,
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
			},
		},
	}}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	loops  chan struct{} // closed when receiveLoop exits
}

// writeJSON marshals v and writes it as a text message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// emit delivers ev unless the session is being torn down.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// receiveLoop is the only writer of s.events and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.loops)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed message", "err", err, "bytes", len(data))
			continue
		}
		if !s.dispatch(&msg) {
			return
		}
	}
}

// finish emits the terminal Closed event for a read error. It blocks until
// the consumer reads it or the session is closed.
func (s *session) finish(err error) {
	ev := live.Event{Kind: live.EventClosed}
	if s.ctx.Err() == nil {
		ev.Err = classifyClose(err)
	}
	if !s.emit(ev) {
		s.log.Debug("gemini: session closed before close event was read")
	}
}

// classifyClose maps a read error to nil (clean close) or a transport error.
func classifyClose(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil
		case websocket.StatusPolicyViolation:
			se := &live.ServerError{Code: int(ce.Code), Message: ce.Reason}
			if live.AuthenticationFailure(0, "", ce.Reason) {
				return fmt.Errorf("gemini: %w", se)
			}
			return fmt.Errorf("gemini: closed by server: %w", se)
		}
		return fmt.Errorf("gemini: closed with status %d: %s", ce.Code, ce.Reason)
	}
	return fmt.Errorf("gemini: read: %w", err)
}

// dispatch converts one server message into events, preserving the order of
// its parts. It returns false when the session is shutting down.
func (s *session) dispatch(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		if !s.emit(live.Event{Kind: live.EventOpen}) {
			return false
		}
	}
	if ge := msg.Error; ge != nil {
		err := &live.ServerError{Code: ge.Code, Status: ge.Status, Message: ge.Message}
		if !s.emit(live.Event{Kind: live.EventError, Err: err}) {
			return false
		}
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	var evs []live.Event
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventInputTranscript, Text: t.Text})
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		evs = append(evs, live.Event{Kind: live.EventOutputTranscript, Text: t.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				s.log.Debug("gemini: undecodable audio part", "err", err)
				continue
			}
			evs = append(evs, live.Event{Kind: live.EventAudio, Audio: pcm, MIMEType: p.InlineData.MIMEType})
		}
	}
	if sc.Interrupted {
		evs = append(evs, live.Event{Kind: live.EventInterrupted})
	}
	if sc.TurnComplete {
		evs = append(evs, live.Event{Kind: live.EventTurnComplete})
	}
	for _, ev := range evs {
		if !s.emit(ev) {
			return false
		}
	}
	return true
}

// keepaliveLoop pings the server so idle sessions are not dropped.
func (s *session) keepaliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Session methods ───────────────────────────────────────────────────────

// Send transmits one PCM frame as a realtimeInput media chunk.
func (s *session) Send(blob audio.Blob) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = audio.PCMType(audio.CaptureSampleRate)
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(blob.Data)}},
	}}

	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-s.loops
	if err != nil && !errors.Is(err, context.Canceled) {
		// The peer may already be gone; that is not a failure of Close.
		s.log.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
