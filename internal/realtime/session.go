package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 128
)

var errSessionClosed = errors.New("session closed")

// Session - одно websocket-подключение. У пользователя может быть несколько сессий (вкладки, устройства).
// Анонимная сессия имеет UserID = 0.
type Session struct {
	ID        string
	UserID    int64
	Anonymous bool

	ws      *websocket.Conn
	send    chan []byte
	closed  chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

// NewSession оборачивает websocket. eventsPerSec и burst ограничивают входящие события.
func NewSession(userID int64, anonymous bool, ws *websocket.Conn, eventsPerSec float64, burst int) *Session {
	limit := rate.Inf
	if eventsPerSec > 0 {
		limit = rate.Limit(eventsPerSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Anonymous: anonymous,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		closed:    make(chan struct{}),
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// Send ставит кадр в очередь на отправку. Медленный клиент с полным буфером отключается.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.closed:
		return errSessionClosed
	default:
		s.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer exceeded")
	}
}

// Emit кодирует событие и отправляет его только этой сессии
func (s *Session) Emit(event string, payload interface{}) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Allow списывает токен лимитера входящих событий
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.closed)
		if s.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.ws.Close()
	})
}

// Start запускает цикл записи; вызывается один раз после регистрации в Hub
func (s *Session) Start() {
	go s.writeLoop()
}

// ReadLoop читает кадры до ошибки или закрытия и передает их handle
func (s *Session) ReadLoop(handle func(data []byte)) error {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		handle(data)
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (s *Session) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}

// Frame - кадр протокола: {"event": "...", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(outboundFrame{Event: event, Data: payload})
}
