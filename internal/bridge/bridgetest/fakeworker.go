// Package bridgetest provides a fake analysis worker for tests. A test
// binary re-executes itself as the worker (see MaybeRun) so sessions can be
// exercised against a real child process and a real socket.
//
// The fake understands a tiny JSON pipeline:
//
//	{"channels":["DNA","Protein"],"tables":["Image","Nuclei"],"fail":"", "delay":""}
//
// Each run reports, for every non-Image table, one object per sample above
// 0.5 in the first channel.
package bridgetest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge/wire"
	"github.com/bytedance/sonic"
)

const (
	// EnvHelper marks the re-executed test binary as the fake worker.
	EnvHelper = "CELLBRIDGE_FAKE_WORKER"
	// EnvMode selects a start-up misbehaviour: "crash", "silent", "badversion".
	EnvMode = "CELLBRIDGE_FAKE_WORKER_MODE"

	AddressFlag = "--knime-bridge-address"
)

// Pipeline is the fake pipeline definition.
type Pipeline struct {
	Channels []string `json:"channels"`
	Tables   []string `json:"tables"`
	// Fail selects a run failure: "analysis" replies with an analysis
	// exception, "mismatch" sends a feature of the wrong length, "garbage"
	// sends an undecodable header.
	Fail string `json:"fail,omitempty"`
	// Delay is slept before every run reply, e.g. "2s".
	Delay string `json:"delay,omitempty"`
}

// Definition encodes p as pipeline text.
func (p Pipeline) Definition() []byte {
	b, _ := sonic.Marshal(p)
	return b
}

// Command returns the interpreter, arguments and environment that start the
// current test binary as the fake worker. The module path is appended by the
// session.
func Command(mode string) (interpreter string, args, env []string) {
	env = []string{EnvHelper + "=1"}
	if mode != "" {
		env = append(env, EnvMode+"="+mode)
	}
	return os.Args[0], nil, env
}

// MaybeRun turns the process into the fake worker when EnvHelper is set,
// and never returns in that case. Call it first thing in TestMain.
func MaybeRun() {
	if os.Getenv(EnvHelper) != "1" {
		return
	}
	os.Exit(Main(os.Args[1:]))
}

// Main runs the fake worker with the given command line and returns its
// exit code.
func Main(args []string) int {
	var addr string
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, AddressFlag+"="); ok {
			addr = strings.TrimPrefix(v, "tcp://")
		}
	}
	if addr == "" {
		fmt.Fprintln(os.Stderr, "missing", AddressFlag)
		return 2
	}

	mode := os.Getenv(EnvMode)
	fmt.Fprintf(os.Stdout, "fake worker starting on %s\n", addr)
	fmt.Fprintln(os.Stderr, "fake worker: this is a warning")

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "ImportError: No module named cellprofiler")
		return 3
	case "silent":
		time.Sleep(time.Minute)
		return 0
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		return 1
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		fmt.Fprintln(os.Stderr, "accept:", err)
		return 1
	}
	defer conn.Close()

	srv := &server{badVersion: mode == "badversion"}
	if err := srv.serve(conn); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(os.Stderr, "serve:", err)
		return 1
	}
	return 0
}

type server struct {
	badVersion bool
	pipeline   Pipeline
}

func (s *server) serve(conn net.Conn) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		req, err := wire.Read(r, wire.DefaultMaxFrame)
		if err != nil {
			return err
		}
		reply := s.handle(req)
		if reply == nil {
			// raw garbage instead of a header
			if _, err := w.Write([]byte{0, 0, 0, 3, 'b', 'a', 'd'}); err != nil {
				return err
			}
		} else if err := wire.Write(w, reply); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

func (s *server) handle(req *wire.Message) *wire.Message {
	switch req.Header.Type {
	case wire.TypeConnectReq:
		version := wire.Version
		if s.badVersion {
			version = "0"
		}
		return &wire.Message{Header: wire.Header{Type: wire.TypeConnectReply, Version: version, Worker: "fake"}}

	case wire.TypePipelineInfoReq:
		var p Pipeline
		if err := sonic.UnmarshalString(req.Header.Pipeline, &p); err != nil || len(p.Channels) == 0 {
			return exception(wire.TypePipelineException, "malformed pipeline")
		}
		s.pipeline = p
		return &wire.Message{Header: wire.Header{Type: wire.TypePipelineInfo, Channels: p.Channels, Tables: p.Tables}}

	case wire.TypeCleanPipelineReq:
		return &wire.Message{Header: wire.Header{Type: wire.TypeCleanPipeline, Pipeline: req.Header.Pipeline}}

	case wire.TypeRunReq, wire.TypeRunGroupReq:
		return s.run(req)
	}
	return exception(wire.TypeException, "unknown request "+req.Header.Type)
}

func (s *server) run(req *wire.Message) *wire.Message {
	if d, err := time.ParseDuration(s.pipeline.Delay); err == nil {
		time.Sleep(d)
	}
	switch s.pipeline.Fail {
	case "analysis":
		return exception(wire.TypeAnalysisException, "segmentation failed")
	case "garbage":
		return nil
	}

	planes := 1
	var first []float32
	for _, img := range req.Header.Images {
		if img.Part < 0 || img.Part >= len(req.Parts) {
			return exception(wire.TypeException, "bad image part")
		}
		samples, err := wire.Float32s(req.Parts[img.Part])
		if err != nil {
			return exception(wire.TypeException, err.Error())
		}
		n := 1
		for _, d := range img.Shape {
			n *= d
		}
		if n != len(samples) {
			return exception(wire.TypeException, "shape does not match samples")
		}
		if len(img.Shape) > 2 {
			planes = img.Shape[0]
		}
		if first == nil {
			first = samples
		}
	}

	var objects []float32
	for _, v := range first {
		if v > 0.5 {
			objects = append(objects, v)
		}
	}
	n := len(objects)

	reply := &wire.Message{Header: wire.Header{Type: wire.TypeRunReply}}
	addPart := func(b []byte) *int {
		i := len(reply.Parts)
		reply.Parts = append(reply.Parts, b)
		return &i
	}
	str := func(v string) *string { return &v }

	for _, table := range s.pipeline.Tables {
		tr := wire.TableResult{Name: table}
		if table == "Image" {
			tr.Objects = 1
			tr.Features = []wire.FeatureRef{
				{Name: "Count_Objects", Kind: "int", Part: addPart(wire.Int32Bytes([]int32{int32(n)}))},
				{Name: "Group_Planes", Kind: "int", Part: addPart(wire.Int32Bytes([]int32{int32(planes)}))},
				{Name: "Mode", Kind: "string", Value: str(req.Header.Type)},
			}
		} else {
			area := make([]float64, n)
			intensity := make([]float32, n)
			number := make([]int32, n)
			for i, v := range objects {
				area[i] = float64(i + 1)
				intensity[i] = v
				number[i] = int32(i + 1)
			}
			if s.pipeline.Fail == "mismatch" {
				area = append(area, -1)
			}
			tr.Objects = n
			tr.Features = []wire.FeatureRef{
				{Name: "AreaShape_Area", Kind: "double", Part: addPart(wire.Float64Bytes(area))},
				{Name: "Intensity_MeanIntensity", Kind: "float", Part: addPart(wire.Float32Bytes(intensity))},
				{Name: "Number_Object_Number", Kind: "int", Part: addPart(wire.Int32Bytes(number))},
				{Name: "Description", Kind: "string", Value: str("objects of " + table)},
			}
		}
		reply.Header.Results = append(reply.Header.Results, tr)
	}
	return reply
}

func exception(kind, msg string) *wire.Message {
	return &wire.Message{Header: wire.Header{Type: kind, Message: msg}}
}
