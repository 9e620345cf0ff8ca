package msgbus

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	ErrPeerClosed = errors.New("peer is closed")
	ErrQueueFull  = errors.New("peer outbound queue is full")
)

// peer is one connection registered on the bus. Outbound frames go through a
// bounded queue drained by a single sender goroutine, so frames reach the
// socket in the order they were queued.
type peer struct {
	id     string
	seq    uint64
	query  map[string]any
	conn   *websocket.Conn
	logger *zap.Logger

	queue        chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	pingInterval time.Duration
	writeTimeout time.Duration
	metrics      *BusMetrics
}

func newPeer(id string, seq uint64, conn *websocket.Conn, query url.Values, config *BusConfig, metrics *BusMetrics) *peer {
	return &peer{
		id:           id,
		seq:          seq,
		query:        queryParams(query),
		conn:         conn,
		logger:       config.logger.With(zap.String("client_id", id)),
		queue:        make(chan []byte, config.queueSize),
		done:         make(chan struct{}),
		pingInterval: config.pingInterval,
		writeTimeout: config.writeTimeout,
		metrics:      metrics,
	}
}

// queryParams flattens connection query parameters the way they are reported
// by getpeers: a single value becomes a string, repeated values a list.
func queryParams(values url.Values) map[string]any {
	params := make(map[string]any, len(values))
	for key, vals := range values {
		switch len(vals) {
		case 0:
			params[key] = ""
		case 1:
			params[key] = vals[0]
		default:
			params[key] = append([]string(nil), vals...)
		}
	}
	return params
}

// start launches the sender goroutine.
func (p *peer) start(ctx context.Context) {
	p.wg.Add(1)
	go p.sender(ctx)
}

// stop terminates the sender goroutine and waits for it. Frames still queued
// are dropped since the socket is going away.
func (p *peer) stop() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// send queues a frame for delivery and returns immediately.
func (p *peer) send(data []byte) error {
	if p.isClosed() {
		return ErrPeerClosed
	}

	select {
	case p.queue <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *peer) sender(ctx context.Context) {
	defer p.wg.Done()

	var tickerChan <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		tickerChan = ticker.C
	}

	for {
		select {
		case data := <-p.queue:
			if err := p.write(ctx, data); err != nil {
				p.fail("Failed to send message to peer", err)
				return
			}
		case <-tickerChan:
			if err := p.ping(ctx); err != nil {
				p.fail("Failed to ping peer", err)
				return
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *peer) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if err := p.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if errors.Is(writeCtx.Err(), context.DeadlineExceeded) {
			p.metrics.RecordSendFailure(ctx, "write_timeout")
		} else {
			p.metrics.RecordSendFailure(ctx, "write_error")
		}
		return err
	}

	p.metrics.RecordMessageSent(ctx)
	return nil
}

func (p *peer) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	return p.conn.Ping(pingCtx)
}

// fail tears down a peer whose socket can no longer be written. Closing the
// connection makes the reader return, which deregisters the peer.
func (p *peer) fail(msg string, err error) {
	p.logger.Info(msg+", closing connection", zap.Error(err))
	p.closeOnce.Do(func() {
		close(p.done)
	})
	if err := p.conn.CloseNow(); err != nil {
		p.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
	}
}

// closeWith closes the socket with the given status. The reader loop notices and
// performs the normal deregistration.
func (p *peer) closeWith(code websocket.StatusCode, reason string) {
	p.logger.Debug("Closing peer connection",
		zap.Int("close_code", int(code)),
		zap.String("reason", reason),
	)

	if err := p.conn.Close(code, reason); err != nil {
		p.logger.Debug("Error closing WebSocket", zap.Error(err))
	}
}
