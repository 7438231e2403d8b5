package triadsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

const (
	gatewayOpDispatch  = 0
	gatewayOpHeartbeat = 1
	gatewayOpIdentify  = 2
	gatewayOpHello     = 10
	gatewayOpAck       = 11

	// GUILD_SCHEDULED_EVENTS intent bit.
	gatewayIntentScheduledEvents = 1 << 16

	gatewayReadLimit = 1 << 20
)

type GatewayOptions struct {
	Token   string
	GuildID string
	// BotUserID filters out the service's own writes so origin fan-out does
	// not loop back through the gateway.
	BotUserID string
	Origin    *OriginHandler
	URL       string
	Logger    *slog.Logger
	// ReconnectBase is the initial backoff between connection attempts.
	ReconnectBase time.Duration
}

// Gateway listens on the scheduling surface's websocket and turns scheduled
// event dispatches into origin signals.
type Gateway struct {
	token         string
	guildID       string
	botUserID     string
	origin        *OriginHandler
	url           string
	logger        *slog.Logger
	reconnectBase time.Duration

	// Serializes frame writes between the read loop and the heartbeat
	// goroutine; the connection allows only one writer at a time.
	writeMu sync.Mutex
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, fmt.Errorf("%w: gateway token is required", ErrInvalidInput)
	}
	if opts.Origin == nil {
		return nil, fmt.Errorf("%w: origin handler is required", ErrInvalidInput)
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnectBase := opts.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = 2 * time.Second
	}
	return &Gateway{
		token:         strings.TrimSpace(opts.Token),
		guildID:       strings.TrimSpace(opts.GuildID),
		botUserID:     strings.TrimSpace(opts.BotUserID),
		origin:        opts.Origin,
		url:           url,
		logger:        logger,
		reconnectBase: reconnectBase,
	}, nil
}

type gatewayFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Run connects and reconnects with backoff until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	delay := g.reconnectBase
	for {
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("gateway connection lost, reconnecting", "error", err, "delay", delay)
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			return
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

func (g *Gateway) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, g.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(gatewayReadLimit)

	// First frame must be hello with the heartbeat cadence.
	frame, err := g.readFrame(ctx, conn)
	if err != nil {
		return err
	}
	if frame.Op != gatewayOpHello {
		return fmt.Errorf("expected hello frame, got op %d", frame.Op)
	}
	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		return err
	}
	if hello.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}

	if err := g.writeFrame(ctx, conn, gatewayFrame{
		Op: gatewayOpIdentify,
		D: mustMarshal(map[string]any{
			"token":   g.token,
			"intents": gatewayIntentScheduledEvents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "triadsync",
				"device":  "triadsync",
			},
		}),
	}); err != nil {
		return err
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	var lastSeq atomic.Int64
	go g.heartbeatLoop(heartbeatCtx, conn, time.Duration(hello.HeartbeatInterval)*time.Millisecond, &lastSeq)

	schema, err := compileScheduledEventSchema()
	if err != nil {
		return err
	}
	for {
		frame, err := g.readFrame(ctx, conn)
		if err != nil {
			return err
		}
		if frame.S > 0 {
			lastSeq.Store(frame.S)
		}
		switch frame.Op {
		case gatewayOpDispatch:
			g.handleDispatch(ctx, schema, frame)
		case gatewayOpHeartbeat:
			_ = g.writeFrame(ctx, conn, heartbeatFrame(lastSeq.Load()))
		case gatewayOpAck:
			// Nothing to do.
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, lastSeq *atomic.Int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.writeFrame(ctx, conn, heartbeatFrame(lastSeq.Load())); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readFrame(ctx context.Context, conn *websocket.Conn) (gatewayFrame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return gatewayFrame{}, err
	}
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return gatewayFrame{}, err
	}
	return frame, nil
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, frame gatewayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

type scheduledEventDispatch struct {
	ID                 string `json:"id"`
	GuildID            string `json:"guild_id"`
	Name               string `json:"name"`
	Description        string `json:"description"`
	ScheduledStartTime string `json:"scheduled_start_time"`
	ScheduledEndTime   string `json:"scheduled_end_time"`
	CreatorID          string `json:"creator_id"`
	EntityMetadata     *struct {
		Location string `json:"location"`
	} `json:"entity_metadata"`
}

func (g *Gateway) handleDispatch(ctx context.Context, schema *jsonschema.Schema, frame gatewayFrame) {
	switch frame.T {
	case "GUILD_SCHEDULED_EVENT_CREATE", "GUILD_SCHEDULED_EVENT_UPDATE", "GUILD_SCHEDULED_EVENT_DELETE":
	default:
		return
	}
	if err := validateScheduledEventPayload(schema, frame.D); err != nil {
		g.logger.Warn("dropping malformed dispatch payload", "type", frame.T, "error", err)
		return
	}
	var dispatch scheduledEventDispatch
	if err := json.Unmarshal(frame.D, &dispatch); err != nil {
		g.logger.Warn("dropping undecodable dispatch payload", "type", frame.T, "error", err)
		return
	}
	if g.guildID != "" && dispatch.GuildID != g.guildID {
		return
	}
	if g.botUserID != "" && dispatch.CreatorID == g.botUserID {
		// Our own write echoing back.
		return
	}

	sig := OriginSignal{
		SchedulerID: dispatch.ID,
		Fields: EventFields{
			Title:       dispatch.Name,
			Description: dispatch.Description,
			Start:       parseGatewayTime(dispatch.ScheduledStartTime),
			End:         parseGatewayTime(dispatch.ScheduledEndTime),
			CreatorID:   dispatch.CreatorID,
		},
	}
	if dispatch.EntityMetadata != nil {
		sig.Fields.Location = dispatch.EntityMetadata.Location
	}

	var err error
	switch frame.T {
	case "GUILD_SCHEDULED_EVENT_CREATE":
		err = g.origin.HandleCreate(ctx, sig)
	case "GUILD_SCHEDULED_EVENT_UPDATE":
		err = g.origin.HandleUpdate(ctx, sig)
	case "GUILD_SCHEDULED_EVENT_DELETE":
		err = g.origin.HandleDelete(ctx, dispatch.ID)
	}
	if err != nil {
		g.logger.Error("origin signal failed", "type", frame.T, "schedulerId", dispatch.ID, "error", err)
	}
}

// heartbeatFrame carries the last seen sequence in d, null before the first
// dispatch.
func heartbeatFrame(seq int64) gatewayFrame {
	d := json.RawMessage("null")
	if seq > 0 {
		d = json.RawMessage(strconv.FormatInt(seq, 10))
	}
	return gatewayFrame{Op: gatewayOpHeartbeat, D: d}
}

func parseGatewayTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
