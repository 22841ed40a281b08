package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// Tier classifies a connection for admission and bandwidth policy.
type Tier uint8

const (
	TierGeneral Tier = iota
	TierValidator
)

func (t Tier) String() string {
	if t == TierValidator {
		return "validator"
	}
	return "general"
}

var errQueueFull = fmt.Errorf("%w: peer outbound queue full", ErrResourceExhausted)

// Peer owns one established connection: the read/write loops, the bounded
// outbound queue, heartbeat liveness, and the per-class send budgets. All
// communication with the rest of the node goes through the server; peers never
// touch each other's state.
type Peer struct {
	id            string
	clientVersion string
	tier          Tier
	conn          net.Conn
	reader        *bufio.Reader
	outbound      chan *Message
	server        *Server
	remoteAddr    string
	dialAddr      string
	listenAddr    string
	inbound       bool

	recvLimiter *tokenBucket
	sendLimiter *classLimiter

	hbMu     sync.Mutex
	hbNonce  uint64
	hbSent   map[uint64]time.Time
	lastAck  time.Time
	greyMu   sync.Mutex
	greylist bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id, clientVersion string, tier Tier, conn net.Conn, reader *bufio.Reader, server *Server, inbound bool, dialAddr, listenAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	burst := server.cfg.RateMsgsPerSec * 2
	if burst < 1 {
		burst = 1
	}
	return &Peer{
		id:            id,
		clientVersion: clientVersion,
		tier:          tier,
		conn:          conn,
		reader:        reader,
		outbound:      make(chan *Message, server.cfg.SendQueueSize),
		server:        server,
		remoteAddr:    conn.RemoteAddr().String(),
		dialAddr:      strings.TrimSpace(dialAddr),
		listenAddr:    strings.TrimSpace(listenAddr),
		inbound:       inbound,
		recvLimiter:   newTokenBucket(server.cfg.RateMsgsPerSec, burst),
		sendLimiter:   newClassLimiter(server.cfg.ClassRates, server.cfg.ClassBurstFactor),
		hbSent:        make(map[uint64]time.Time),
		lastAck:       server.currentTime(),
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

// Enqueue queues a message for transmission. It fails fast with a
// resource-exhausted error when the class budget or queue is spent; it never
// blocks the caller on a slow peer.
func (p *Peer) Enqueue(class MessageClass, msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	if !p.sendLimiter.allow(class, p.server.currentTime()) {
		return fmt.Errorf("%w: %s send budget exhausted", ErrResourceExhausted, class)
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
		return errQueueFull
	}
}

func (p *Peer) setGreylisted(grey bool) {
	p.greyMu.Lock()
	changed := p.greylist != grey
	p.greylist = grey
	p.greyMu.Unlock()
	if !changed {
		return
	}
	// Greylisted peers run on a reduced receive allowance until they recover.
	factor := 1.0
	if grey {
		factor = greylistRateMultiplier
	}
	rate := p.server.cfg.RateMsgsPerSec * factor
	p.recvLimiter.setRate(rate, rate*2)
	p.sendLimiter.scale(p.server.cfg.ClassRates, factor, p.server.cfg.ClassBurstFactor)
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := readBoundedLine(p.reader, p.server.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				p.server.handleProtocolViolation(p, fmt.Errorf("%w: message exceeds max size (%d bytes)", ErrProtocolViolation, p.server.cfg.MaxMessageBytes))
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(false, fmt.Errorf("%w: no traffic from peer", ErrTimeout))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(false, io.EOF)
				return
			}
			p.terminate(false, fmt.Errorf("read error: %w", err))
			return
		}
		if len(line) == 0 {
			continue
		}

		now := p.server.currentTime()
		if !p.recvLimiter.allow(now) {
			p.server.handleRateLimit(p)
			return
		}
		if !p.server.allowGlobal(now) {
			p.server.noteGlobalThrottle(p)
			continue
		}

		msg, err := decodeMessage(line)
		if err != nil {
			p.server.handleProtocolViolation(p, err)
			return
		}
		if terminal := p.server.handleMessage(p, msg); terminal {
			return
		}
	}
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(p.server.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.heartbeatExpired() {
				p.terminate(false, fmt.Errorf("%w: heartbeat unanswered", ErrTimeout))
				return
			}
			msg, err := p.nextHeartbeat()
			if err != nil {
				p.terminate(false, fmt.Errorf("build heartbeat: %w", err))
				return
			}
			if err := p.writeMessage(msg); err != nil {
				p.terminate(false, fmt.Errorf("write heartbeat: %w", err))
				return
			}
		case msg, ok := <-p.outbound:
			if !ok {
				return
			}
			if err := p.writeMessage(msg); err != nil {
				p.server.adjustScore(p.id, -slowPenalty)
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
		}
	}
}

func (p *Peer) writeMessage(msg *Message) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
	defer cancel()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err = p.conn.Write(append(data, '\n'))
	return err
}

func (p *Peer) nextHeartbeat() (*Message, error) {
	now := p.server.currentTime()
	p.hbMu.Lock()
	p.hbNonce++
	nonce := p.hbNonce
	p.hbSent[nonce] = now
	// Old unanswered heartbeats are dropped rather than remembered forever.
	for n, sent := range p.hbSent {
		if now.Sub(sent) > p.server.cfg.PingTimeout {
			delete(p.hbSent, n)
		}
	}
	p.hbMu.Unlock()
	return newMessage(MsgTypeHeartbeat, HeartbeatPayload{Nonce: nonce, Timestamp: now.UnixNano()})
}

// observeHeartbeatAck resolves an ack to its matching heartbeat and returns
// the round-trip latency, or zero for an unknown nonce.
func (p *Peer) observeHeartbeatAck(nonce uint64, now time.Time) time.Duration {
	p.hbMu.Lock()
	defer p.hbMu.Unlock()
	sent, ok := p.hbSent[nonce]
	if !ok {
		return 0
	}
	delete(p.hbSent, nonce)
	p.lastAck = now
	return now.Sub(sent)
}

// markAlive refreshes liveness on any received traffic so a chatty peer that
// is slow to answer heartbeats is not torn down.
func (p *Peer) markAlive(now time.Time) {
	p.hbMu.Lock()
	if now.After(p.lastAck) {
		p.lastAck = now
	}
	p.hbMu.Unlock()
}

func (p *Peer) heartbeatExpired() bool {
	now := p.server.currentTime()
	p.hbMu.Lock()
	defer p.hbMu.Unlock()
	return now.Sub(p.lastAck) > p.server.cfg.PingTimeout
}

func (p *Peer) terminate(ban bool, reason error) {
	p.closeOnce.Do(func() {
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, ban, reason)
	})
}
