// Package bridge 把物理按钮的原始输入转换成确认信号并转发给网关
package bridge

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain"
)

// PulseSink 是确认信号的去处
type PulseSink interface {
	Produce(ctx context.Context, pulse domain.ConfirmationPulse) error
}

// HTTPSink 通过网关的 POST /confirmations 转发信号
type HTTPSink struct {
	Client     *httpclient.Client
	GatewayURL string
}

func (s *HTTPSink) Produce(ctx context.Context, pulse domain.ConfirmationPulse) error {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := s.Client.PostJSON(ctx, strings.TrimRight(s.GatewayURL, "/")+"/confirmations", pulse, &resp); err != nil {
		return err
	}
	if !resp.Accepted {
		log.Printf("INFO: pulse from %s was not accepted by the gateway", pulse.Source)
	}
	return nil
}

// Bridge 读取按钮输入，每行一次按压。"r" 或空行表示按下，"q" 表示退出。
// debounce 窗口内的重复按压只转发第一次。
type Bridge struct {
	sink     PulseSink
	source   string
	debounce time.Duration
	clock    clockwork.Clock

	last time.Time
}

func New(sink PulseSink, source string, debounce time.Duration, clock clockwork.Clock) *Bridge {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bridge{sink: sink, source: source, debounce: debounce, clock: clock}
}

// Run 一直读取输入直到 EOF、"q" 或 ctx 结束。转发失败只记录日志。
func (b *Bridge) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "q", "quit":
				return nil
			case "", "r":
				b.Press(ctx)
			default:
				log.Printf("INFO: ignoring input %q, press r to confirm or q to quit", line)
			}
		}
	}
}

// Press 处理一次按压，返回信号是否被转发
func (b *Bridge) Press(ctx context.Context) bool {
	now := b.clock.Now()
	if !b.last.IsZero() && now.Sub(b.last) < b.debounce {
		return false
	}
	b.last = now

	pulse := domain.ConfirmationPulse{Source: b.source, At: now.UTC()}
	if err := b.sink.Produce(ctx, pulse); err != nil {
		log.Error().Err(err).Str("source", b.source).Msg("forward confirmation pulse failed")
		return false
	}
	log.Printf("INFO: ✅ pulse forwarded from %s", b.source)
	return true
}
