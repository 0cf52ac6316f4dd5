package forgectl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"forgehub/pkg/bus"
	"forgehub/services/commands"
	"forgehub/services/dispatch"
)

// Reading is one simulated telemetry sample.
type Reading struct {
	Seq     int64      `json:"seq"`
	Raw     RawSignals `json:"raw"`
	Machine MachineSet `json:"machine"`
}

// RawSignals are the dispenser's sensor values.
type RawSignals struct {
	Flow     float64   `json:"flow"`
	Gap      float64   `json:"gap"`
	Pressure float64   `json:"pressure"`
	At       time.Time `json:"ts"`
}

// MachineSet is the machine's reported mode.
type MachineSet struct {
	Mode      string `json:"mode"`
	Pass      int64  `json:"pass"`
	Direction string `json:"direction"`
}

// ackQueueSize bounds acknowledgements waiting to be published.
const ackQueueSize = 64

// SimulatorOptions configures a Simulator.
type SimulatorOptions struct {
	MachineID string
	Interval  time.Duration
	// AckStatus is the outcome reported for every command; empty disables acks.
	AckStatus string
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Simulator stands in for one machine on the bus: it publishes telemetry
// and acknowledges commands published on the command topic.
type Simulator struct {
	bus  bus.Client
	opts SimulatorOptions
	log  zerolog.Logger
	seq  int64
	acks chan ackMessage
}

type ackMessage struct {
	CmdID  string `json:"cmd_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewSimulator validates opts and returns a simulator on client.
func NewSimulator(client bus.Client, opts SimulatorOptions) (*Simulator, error) {
	if client == nil {
		return nil, errors.New("bus is required")
	}
	if opts.MachineID == "" {
		return nil, errors.New("machine id is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.AckStatus != "" {
		if _, err := commands.ParseOutcome(opts.AckStatus); err != nil {
			return nil, err
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulator{
		bus:  client,
		opts: opts,
		log:  opts.Logger.With().Str("machine", opts.MachineID).Logger(),
		acks: make(chan ackMessage, ackQueueSize),
	}, nil
}

// TelemetryTopic is where the simulator publishes samples.
func (s *Simulator) TelemetryTopic() string {
	return "devices/" + s.opts.MachineID + "/telemetry"
}

// AckTopic is where the simulator publishes acknowledgements.
func (s *Simulator) AckTopic() string {
	return "devices/" + s.opts.MachineID + "/acks"
}

// Run publishes a sample every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	if s.opts.AckStatus != "" {
		go s.publishAcks(ctx)
		if err := s.bus.Subscribe(ctx, []string{dispatch.CommandTopic}, s.handleCommand); err != nil {
			return fmt.Errorf("subscribe %s: %w", dispatch.CommandTopic, err)
		}
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if err := s.bus.Publish(ctx, s.TelemetryTopic(), s.next()); err != nil {
			s.log.Warn().Err(err).Msg("telemetry not published")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Simulator) next() Reading {
	s.seq++
	phase := float64(s.seq) / 10
	direction := "forward"
	if (s.seq/20)%2 == 1 {
		direction = "reverse"
	}
	return Reading{
		Seq: s.seq,
		Raw: RawSignals{
			Flow:     round(1.2 + 0.3*math.Sin(phase)),
			Gap:      round(0.8 + 0.05*math.Cos(phase)),
			Pressure: round(6 + 0.4*math.Cos(phase/2)),
			At:       s.opts.Now().UTC(),
		},
		Machine: MachineSet{Mode: "auto", Pass: s.seq/20 + 1, Direction: direction},
	}
}

type commandMessage struct {
	Cmd       string `json:"cmd"`
	CmdID     string `json:"cmd_id"`
	MachineID string `json:"machine_id"`
}

func (s *Simulator) handleCommand(ctx context.Context, msg bus.Message) {
	var cmd commandMessage
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil || cmd.CmdID == "" {
		s.log.Debug().Str("topic", msg.Topic).Msg("ignoring command without cmd_id")
		return
	}
	if cmd.MachineID != "" && cmd.MachineID != s.opts.MachineID {
		return
	}

	ack := ackMessage{CmdID: cmd.CmdID, Status: s.opts.AckStatus}
	if s.opts.AckStatus == string(commands.StatusFailed) {
		ack.Error = "simulated failure"
	}
	select {
	case s.acks <- ack:
	default:
		s.log.Warn().Str("cmd_id", cmd.CmdID).Msg("ack queue full, command not acknowledged")
	}
}

// publishAcks sends queued acknowledgements off the bus delivery goroutine.
func (s *Simulator) publishAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-s.acks:
			if err := s.bus.Publish(ctx, s.AckTopic(), ack); err != nil {
				s.log.Warn().Err(err).Str("cmd_id", ack.CmdID).Msg("ack not published")
				continue
			}
			s.log.Info().Str("cmd_id", ack.CmdID).Str("status", ack.Status).Msg("command acknowledged")
		}
	}
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
