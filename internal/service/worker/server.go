package worker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fulfillment/internal/pkg/wire"
)

const (
	DefaultWriteWait = 10 * time.Second
	DefaultPongWait  = 60 * time.Second
)

// Server 在 /control 上接受网关的 websocket 连接，把指令交给 Runner。
// 同一时间只服务一个网关，新连接会顶掉旧连接。
type Server struct {
	runner    Runner
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration

	mu     sync.Mutex
	active *websocket.Conn
}

type ServerOption func(*Server)

func WithWriteWait(d time.Duration) ServerOption {
	return func(s *Server) { s.writeWait = d }
}

func WithPongWait(d time.Duration) ServerOption {
	return func(s *Server) { s.pongWait = d }
}

// NewServer 创建控制通道服务
func NewServer(runner Runner, opts ...ServerOption) *Server {
	s := &Server{
		runner:    runner,
		writeWait: DefaultWriteWait,
		pongWait:  DefaultPongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool { // 控制通道只在内网暴露
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes 把控制通道挂到 mux 上
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(wire.ControlPath, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. 选择编码
	codec, err := wire.NewCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 2. HTTP升级为WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("control upgrade failed")
		return
	}

	// 3. 顶掉旧连接
	s.mu.Lock()
	if s.active != nil {
		log.Warn().Str("remote", s.active.RemoteAddr().String()).Msg("⚠️ replacing existing gateway connection")
		_ = s.active.Close()
	}
	s.active = conn
	s.mu.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Str("codec", codec.Name()).Msg("✅ gateway connected")
	s.serve(conn, codec)
}

func (s *Server) serve(conn *websocket.Conn, codec wire.Codec) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		current := s.active == conn
		if current {
			s.active = nil
		}
		s.mu.Unlock()
		// 网关断开后机器人不能继续无人看管地运动
		if current {
			s.runner.Stop("")
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("gateway disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.writeWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("control read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		if mt != codec.MessageType() {
			log.Warn().Int("frame_type", mt).Msg("unexpected control frame type, ignoring")
			continue
		}

		var cmd wire.Command
		if err := codec.Unmarshal(data, &cmd); err != nil {
			log.Warn().Err(err).Msg("undecodable control message, ignoring")
			continue
		}

		reply := s.handle(cmd)
		out, err := codec.Marshal(reply)
		if err != nil {
			log.Error().Err(err).Msg("encode reply failed")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		if err := conn.WriteMessage(codec.MessageType(), out); err != nil {
			log.Warn().Err(err).Msg("control write failed")
			return
		}
	}
}

func (s *Server) handle(cmd wire.Command) wire.Reply {
	reply := wire.Reply{ID: cmd.ID}
	switch cmd.Type {
	case wire.CommandRunPhase:
		if err := s.runner.Start(cmd.OrderID, cmd.Phase, cmd.PhaseInstruction); err != nil {
			reply.Reason = err.Error()
			log.Warn().Err(err).Str("order_id", cmd.OrderID).Str("phase", cmd.Phase).Msg("run_phase rejected")
			return reply
		}
		reply.Accepted = true
	case wire.CommandStop:
		s.runner.Stop(cmd.OrderID)
		reply.Accepted = true
	default:
		reply.Reason = "unknown command type " + string(cmd.Type)
	}
	return reply
}
