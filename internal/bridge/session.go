// Package bridge drives one external analysis worker: it starts the worker
// process, connects to it over a loopback socket and performs the
// request/response exchanges of a pipeline run.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andresmejia3/cellbridge/internal/bridge/wire"
	"github.com/andresmejia3/cellbridge/internal/imaging"
	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/andresmejia3/cellbridge/internal/worker"
	"github.com/rs/zerolog"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateNotConnected State = iota
	StateConnected
	StatePipelineLoaded
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateConnected:
		return "connected"
	case StatePipelineLoaded:
		return "pipeline-loaded"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FeatureDescription names one feature of a result table and its value kind.
type FeatureDescription struct {
	Name string
	Kind measurement.Kind
}

// Session owns one worker process and the connection to it. Requests are
// strictly sequential; the mutex only protects against accidental
// concurrent use.
type Session struct {
	cfg    Config
	logger zerolog.Logger
	addr   string

	proc *worker.Process
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	// mu serialises round-trips and guards the pipeline and run data.
	mu       sync.Mutex
	pipeline string
	channels []string
	tables   []string
	last     map[string]*tableData

	// stateMu is separate from mu so Close never waits on a blocked request.
	stateMu   sync.Mutex
	state     State
	broken    error
	closeOnce sync.Once
}

type tableData struct {
	objects  int
	features []FeatureDescription
	values   map[FeatureDescription]measurement.FeatureValueSet
}

// Start validates cfg, launches the worker on a free loopback port and
// connects to it. On any error everything started so far is torn down.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. Pick the port the worker will listen on
	port, err := FreePort()
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "bridge").Str("addr", addr).Logger(),
		addr:   addr,
	}

	// 2. Launch the worker; its output goes to the logger from here on
	args := make([]string, 0, len(cfg.InterpreterArgs)+2)
	args = append(args, cfg.InterpreterArgs...)
	args = append(args, cfg.ModulePath, cfg.AddressFlag+"="+s.Address())
	proc, err := worker.Start(worker.Spec{Path: cfg.Interpreter, Args: args, Env: cfg.Env}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	s.proc = proc

	// 3. Connect and shake hands
	if err := s.connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.handshake(ctx); err != nil {
		s.Close()
		return nil, err
	}
	s.setState(StateConnected)
	s.logger.Info().Int("pid", proc.Pid()).Msg("worker connected")
	return s, nil
}

// Address is the worker endpoint, "tcp://127.0.0.1:<port>".
func (s *Session) Address() string { return "tcp://" + s.addr }

// StderrTail returns the last lines the worker printed on stderr, for error
// reports.
func (s *Session) StderrTail() []string {
	if s.proc == nil {
		return nil
	}
	return s.proc.StderrTail()
}

// connect dials the worker until it accepts, the worker dies, or the
// connect timeout passes. The worker needs a moment to bind its socket.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: time.Second}
	delay := 20 * time.Millisecond
	for {
		conn, err := dialer.DialContext(ctx, "tcp", s.addr)
		if err == nil {
			s.conn = conn
			s.r = bufio.NewReaderSize(conn, 64*1024)
			s.w = bufio.NewWriterSize(conn, 64*1024)
			return nil
		}

		select {
		case <-s.proc.Exited():
			return fmt.Errorf("%w: worker exited before accepting connections on %s%s",
				ErrConnection, s.Address(), tailHint(s.proc.StderrTail()))
		case <-ctx.Done():
			return fmt.Errorf("%w: could not connect to %s: %v", ErrConnection, s.Address(), err)
		case <-time.After(delay):
		}
		if delay < 500*time.Millisecond {
			delay *= 2
		}
	}
}

func (s *Session) handshake(ctx context.Context) error {
	reply, err := s.roundTrip(ctx, &wire.Message{Header: wire.Header{
		Type:    wire.TypeConnectReq,
		Version: wire.Version,
	}}, wire.TypeConnectReply)
	if err != nil {
		return err
	}
	if reply.Header.Version != wire.Version {
		return fmt.Errorf("%w: worker speaks protocol %q, expected %q", ErrProtocol, reply.Header.Version, wire.Version)
	}
	if reply.Header.Worker != "" {
		s.logger.Debug().Str("worker", reply.Header.Worker).Msg("handshake complete")
	}
	return nil
}

// LoadPipeline sends the pipeline definition to the worker, records the
// channels and result tables it declares, and asks the worker to strip the
// modules a headless run must not execute.
func (s *Session) LoadPipeline(ctx context.Context, definition []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateConnected); err != nil {
		return err
	}

	info, err := s.roundTrip(ctx, &wire.Message{Header: wire.Header{
		Type:     wire.TypePipelineInfoReq,
		Pipeline: string(definition),
	}}, wire.TypePipelineInfo)
	if err != nil {
		return err
	}

	cleaned, err := s.roundTrip(ctx, &wire.Message{Header: wire.Header{
		Type:     wire.TypeCleanPipelineReq,
		Pipeline: string(definition),
	}}, wire.TypeCleanPipeline)
	if err != nil {
		return err
	}

	s.pipeline = cleaned.Header.Pipeline
	if s.pipeline == "" {
		s.pipeline = string(definition)
	}
	s.channels = append([]string(nil), info.Header.Channels...)
	s.tables = append([]string(nil), info.Header.Tables...)
	s.last = nil
	s.setState(StatePipelineLoaded)

	s.logger.Info().Strs("channels", s.channels).Strs("tables", s.tables).Msg("pipeline loaded")
	return nil
}

// LoadPipelineFile reads a pipeline definition from disk and loads it.
func (s *Session) LoadPipelineFile(ctx context.Context, path string) error {
	definition, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read pipeline: %v", ErrConfiguration, err)
	}
	return s.LoadPipeline(ctx, definition)
}

// InputChannels lists the image channels the pipeline needs, in the order
// the worker declared them.
func (s *Session) InputChannels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.channels...)
}

// ResultTables lists the tables every run populates.
func (s *Session) ResultTables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tables...)
}

// Run analyses one set of flat (2D) images, one per input channel, and
// blocks until the worker replies.
func (s *Session) Run(ctx context.Context, images map[string]imaging.Image) error {
	return s.run(ctx, images, false)
}

// RunGroup analyses images of more than two dimensions plane by plane with
// a shared group context.
func (s *Session) RunGroup(ctx context.Context, images map[string]imaging.Image) error {
	return s.run(ctx, images, true)
}

func (s *Session) run(ctx context.Context, images map[string]imaging.Image, group bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePipelineLoaded); err != nil {
		return err
	}
	s.last = nil

	req := &wire.Message{Header: wire.Header{Type: wire.TypeRunReq, Pipeline: s.pipeline}}
	if group {
		req.Header.Type = wire.TypeRunGroupReq
	}
	for name := range images {
		if !slices.Contains(s.channels, name) {
			return fmt.Errorf("%w: pipeline has no input channel %q", ErrProtocol, name)
		}
	}
	for _, ch := range s.channels {
		img, ok := images[ch]
		if !ok || img == nil {
			return fmt.Errorf("%w: no image for channel %q", ErrProtocol, ch)
		}
		dims := imaging.Dims(img)
		if dims < 2 {
			return fmt.Errorf("%w: channel %q has %d dimensions", ErrProtocol, ch, dims)
		}
		if !group && dims > 2 {
			return fmt.Errorf("%w: channel %q has %d dimensions, use a group run", ErrProtocol, ch, dims)
		}
		req.Header.Images = append(req.Header.Images, wire.ImageRef{
			Channel: ch,
			Shape:   img.Shape(),
			Part:    len(req.Parts),
		})
		req.Parts = append(req.Parts, wire.Float32Bytes(float32Samples(img)))
	}

	start := time.Now()
	reply, err := s.roundTrip(ctx, req, wire.TypeRunReply)
	if err != nil {
		return err
	}
	tables, err := parseRunReply(reply)
	if err != nil {
		return err
	}
	s.last = tables
	s.setState(StateReady)

	s.logger.Debug().Str("type", req.Header.Type).Dur("took", time.Since(start)).Int("tables", len(tables)).Msg("run complete")
	return nil
}

// Features describes the features the last run produced for table.
func (s *Session) Features(table string) ([]FeatureDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lastTable(table)
	if err != nil {
		return nil, err
	}
	return append([]FeatureDescription(nil), t.features...), nil
}

// ObjectCount is the number of objects the worker reported for table in
// the last run. Numeric features of that table have this many values.
func (s *Session) ObjectCount(table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lastTable(table)
	if err != nil {
		return 0, err
	}
	return t.objects, nil
}

// Measurements returns the values of one feature from the last run.
func (s *Session) Measurements(table string, f FeatureDescription) (measurement.FeatureValueSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lastTable(table)
	if err != nil {
		return measurement.FeatureValueSet{}, err
	}
	v, ok := t.values[f]
	if !ok {
		return measurement.FeatureValueSet{}, fmt.Errorf("%w: %s %q in table %q", ErrUnknownFeature, f.Kind, f.Name, table)
	}
	return v, nil
}

// DoubleMeasurements returns the per-object values of a double feature.
func (s *Session) DoubleMeasurements(table, feature string) ([]float64, error) {
	v, err := s.Measurements(table, FeatureDescription{Name: feature, Kind: measurement.KindDouble})
	return v.Doubles, err
}

// FloatMeasurements returns the per-object values of a float feature.
func (s *Session) FloatMeasurements(table, feature string) ([]float32, error) {
	v, err := s.Measurements(table, FeatureDescription{Name: feature, Kind: measurement.KindFloat})
	return v.Floats, err
}

// IntMeasurements returns the per-object values of an int feature.
func (s *Session) IntMeasurements(table, feature string) ([]int32, error) {
	v, err := s.Measurements(table, FeatureDescription{Name: feature, Kind: measurement.KindInt})
	return v.Ints, err
}

// StringMeasurement returns the value of a string feature.
func (s *Session) StringMeasurement(table, feature string) (string, error) {
	v, err := s.Measurements(table, FeatureDescription{Name: feature, Kind: measurement.KindString})
	return v.Str, err
}

func (s *Session) lastTable(table string) (*tableData, error) {
	if err := s.require(StatePipelineLoaded); err != nil {
		return nil, err
	}
	if s.last == nil {
		return nil, fmt.Errorf("%w: no successful run yet", ErrNotReady)
	}
	t, ok := s.last[table]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return t, nil
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

// require fails unless the session is open, healthy and at least at min.
func (s *Session) require(min State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch {
	case s.state == StateClosed:
		return ErrClosed
	case s.broken != nil:
		return s.broken
	case s.state < min:
		return fmt.Errorf("%w: session is %s, needs %s", ErrNotReady, s.state, min)
	}
	return nil
}

// markBroken records that the stream can no longer be trusted.
func (s *Session) markBroken(err error) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateClosed && s.broken == nil {
		s.broken = err
	}
	return err
}

// Close disconnects and kills the worker. It never fails, is idempotent and
// may run while another goroutine is blocked in a request; that request
// then fails with ErrConnection or ErrClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.state = StateClosed
		s.stateMu.Unlock()

		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Debug().Err(err).Msg("disconnect failed")
			}
		}
		if s.proc != nil {
			s.proc.Close()
		}
		s.logger.Info().Msg("session closed")
	})
}

// roundTrip sends req and reads one reply. Callers hold s.mu (or own the
// session exclusively, as Start does).
func (s *Session) roundTrip(ctx context.Context, req *wire.Message, expect string) (*wire.Message, error) {
	if s.State() == StateClosed {
		return nil, ErrClosed
	}

	var deadline time.Time
	if s.cfg.RequestTimeout > 0 {
		deadline = time.Now().Add(s.cfg.RequestTimeout)
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, s.markBroken(fmt.Errorf("%w: %v", ErrConnection, err))
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	ioErr := func(op string, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		if errors.Is(err, wire.ErrFrameTooLarge) || errors.Is(err, wire.ErrMalformed) {
			return s.markBroken(fmt.Errorf("%w: %s %s: %v", ErrProtocol, op, req.Header.Type, err))
		}
		return s.markBroken(fmt.Errorf("%w: %s %s: %v", ErrConnection, op, req.Header.Type, err))
	}

	if err := wire.Write(s.w, req); err != nil {
		return nil, ioErr("send", err)
	}
	if err := s.w.Flush(); err != nil {
		return nil, ioErr("send", err)
	}
	reply, err := wire.Read(s.r, s.cfg.MaxFrameSize)
	if err != nil {
		return nil, ioErr("receive reply to", err)
	}

	if reply.IsException() {
		switch reply.Header.Type {
		case wire.TypePipelineException:
			return nil, fmt.Errorf("%w: %s", ErrPipeline, reply.Header.Message)
		case wire.TypeAnalysisException:
			return nil, fmt.Errorf("%w: %s", ErrCompute, reply.Header.Message)
		default:
			return nil, fmt.Errorf("%w: worker failed on %s: %s", ErrProtocol, req.Header.Type, reply.Header.Message)
		}
	}
	if reply.Header.Type != expect {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, expect, reply.Header.Type)
	}
	return reply, nil
}

func parseRunReply(reply *wire.Message) (map[string]*tableData, error) {
	tables := make(map[string]*tableData, len(reply.Header.Results))
	for _, tr := range reply.Header.Results {
		if tr.Objects < 0 {
			return nil, fmt.Errorf("%w: table %q reports %d objects", ErrProtocol, tr.Name, tr.Objects)
		}
		if !utf8.ValidString(tr.Name) {
			return nil, fmt.Errorf("%w: table name %q is not valid UTF-8", ErrProtocol, tr.Name)
		}
		td := &tableData{
			objects: tr.Objects,
			values:  make(map[FeatureDescription]measurement.FeatureValueSet, len(tr.Features)),
		}
		for _, fr := range tr.Features {
			v, err := decodeFeature(reply, fr)
			if err != nil {
				return nil, fmt.Errorf("%w: table %q feature %q: %v", ErrProtocol, tr.Name, fr.Name, err)
			}
			if v.Kind != measurement.KindString && v.Len() != tr.Objects {
				return nil, fmt.Errorf("%w: table %q feature %q has %d values for %d objects",
					ErrProtocol, tr.Name, fr.Name, v.Len(), tr.Objects)
			}
			d := FeatureDescription{Name: fr.Name, Kind: v.Kind}
			if _, dup := td.values[d]; dup {
				return nil, fmt.Errorf("%w: table %q repeats %s feature %q", ErrProtocol, tr.Name, d.Kind, d.Name)
			}
			td.features = append(td.features, d)
			td.values[d] = v
		}
		tables[tr.Name] = td
	}
	return tables, nil
}

func decodeFeature(reply *wire.Message, fr wire.FeatureRef) (measurement.FeatureValueSet, error) {
	kind, err := measurement.ParseKind(fr.Kind)
	if err != nil {
		return measurement.FeatureValueSet{}, err
	}
	if !utf8.ValidString(fr.Name) {
		return measurement.FeatureValueSet{}, measurement.ErrInvalidUTF8
	}
	if kind == measurement.KindString {
		if fr.Value == nil {
			return measurement.FeatureValueSet{}, fmt.Errorf("string feature without value")
		}
		if !utf8.ValidString(*fr.Value) {
			return measurement.FeatureValueSet{}, fmt.Errorf("value: %w", measurement.ErrInvalidUTF8)
		}
		return measurement.StringFeature(fr.Name, *fr.Value), nil
	}
	if fr.Part == nil || *fr.Part < 0 || *fr.Part >= len(reply.Parts) {
		return measurement.FeatureValueSet{}, fmt.Errorf("missing or invalid binary part")
	}
	payload := reply.Parts[*fr.Part]
	switch kind {
	case measurement.KindDouble:
		v, err := wire.Float64s(payload)
		return measurement.FeatureValueSet{Name: fr.Name, Kind: kind, Doubles: v}, err
	case measurement.KindFloat:
		v, err := wire.Float32s(payload)
		return measurement.FeatureValueSet{Name: fr.Name, Kind: kind, Floats: v}, err
	default:
		v, err := wire.Int32s(payload)
		return measurement.FeatureValueSet{Name: fr.Name, Kind: kind, Ints: v}, err
	}
}

func float32Samples(img imaging.Image) []float32 {
	if b, ok := img.(*imaging.Buffer[float32]); ok {
		return b.Data()
	}
	out := make([]float32, img.Len())
	for i := range out {
		out[i] = float32(img.At(i))
	}
	return out
}

func tailHint(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return ":\n" + strings.Join(lines, "\n")
}
