package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/logger"
	"github.com/edgeswarm/edgegate/internal/swarm"
	"github.com/gorilla/websocket"
)

const (
	ReconnBaseDelay = 1 * time.Second
	ReconnMaxDelay  = 30 * time.Second
	PingPeriod      = 15 * time.Second
)

// Submitter is the lifecycle manager's intake surface.
type Submitter interface {
	Submit(ctx context.Context, req *model.CandidateRequest) (*model.Opportunity, error)
}

// Consumer streams candidate opportunities from the detection feed over a
// websocket and pushes them into the lifecycle manager. It doubles as the
// scanner worker for swarm health purposes: every received frame beats its
// heartbeat.
type Consumer struct {
	cfg     config.FeedConfig
	sink    Submitter
	monitor *swarm.Monitor
	ctx     context.Context
	cancel  context.CancelFunc
	log     interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
		Debug(msg string, args ...any)
	}
}

func NewConsumer(cfg config.FeedConfig, sink Submitter, monitor *swarm.Monitor) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:     cfg,
		sink:    sink,
		monitor: monitor,
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.Component("detection-feed"),
	}
}

// Start launches the connection loop in a background goroutine.
func (c *Consumer) Start() {
	c.monitor.Register(model.WorkerScanner, "detection-feed")
	go c.runLoop()
}

func (c *Consumer) Stop() {
	c.cancel()
}

func (c *Consumer) runLoop() {
	delay := ReconnBaseDelay

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connectAndRead(); err != nil {
			c.monitor.ReportFailure(model.WorkerScanner, "detection-feed", err)
			c.log.Error("feed connection lost", "error", err, "retry_in", delay)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ReconnMaxDelay {
				delay = ReconnMaxDelay
			}
			continue
		}
		delay = ReconnBaseDelay
	}
}

type feedFrame struct {
	Type      string                 `json:"type"`
	Candidate *model.CandidateRequest `json:"candidate,omitempty"`
}

func (c *Consumer) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"type":    "subscribe",
		"channel": c.cfg.Channel,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	c.log.Info("detection feed connected", "url", c.cfg.URL, "channel", c.cfg.Channel)
	c.monitor.Heartbeat(model.WorkerScanner, "detection-feed")

	// Keep-alive pings so an idle feed is distinguishable from a dead one.
	go func() {
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.monitor.Heartbeat(model.WorkerScanner, "detection-feed")
		c.handleMessage(msg)
	}
}

func (c *Consumer) handleMessage(msg []byte) {
	var frame feedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.log.Debug("unparseable feed frame", "error", err.Error())
		return
	}
	if frame.Type != "candidate" || frame.Candidate == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	opp, err := c.sink.Submit(ctx, frame.Candidate)
	if err != nil {
		// Duplicates are routine on a chatty feed.
		c.log.Debug("candidate not accepted", "error", err.Error())
		return
	}
	c.log.Info("candidate accepted from feed", "opportunity_id", opp.ID, "category", opp.Category)
}
