// Package engine runs the pretrained Pangu-Weather networks with ONNX Runtime.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/rtm0/pangu/internal/tensor"
	"github.com/sourcegraph/conc/pool"
	ort "github.com/yalue/onnxruntime_go"
)

// Options control how sessions are created.
type Options struct {
	// Threads is the intra-op thread count. More threads run faster and
	// use more memory.
	Threads int
	// CUDA appends the CUDA execution provider on device CUDADevice.
	CUDA       bool
	CUDADevice int
	// Inputs and Outputs name the upper-air and surface tensors, in that
	// order.
	Inputs  [2]string
	Outputs [2]string
}

// DefaultOptions match the settings the networks are published with.
var DefaultOptions = Options{
	Threads: 1,
	Inputs:  [2]string{"input", "input_surface"},
	Outputs: [2]string{"output", "output_surface"},
}

// Init loads the ONNX Runtime shared library at libPath, or the platform
// default when libPath is empty. Calling it again is a no-op.
func Init(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("could not initialize onnxruntime: %w", err)
	}
	return nil
}

// Shutdown releases the runtime. Every session must be closed first.
func Shutdown() error {
	return ort.DestroyEnvironment()
}

// Check reports a missing or unreadable model file before the runtime is
// loaded.
func Check(finePath, coarsePath string) error {
	for _, m := range [][2]string{{"6h", finePath}, {"24h", coarsePath}} {
		if _, err := os.Stat(m[1]); err != nil {
			return fmt.Errorf("model %s: %w", m[0], err)
		}
	}
	return nil
}

// Session is one loaded network. It is created once and reused for every
// step of a run.
type Session struct {
	logger *slog.Logger
	name   string
	sess   *ort.DynamicAdvancedSession
}

// Open loads the model at path.
func Open(logger *slog.Logger, name, path string, opts Options) (*Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	so, err := sessionOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", name, err)
	}
	defer so.Destroy()

	start := time.Now()
	sess, err := ort.NewDynamicAdvancedSession(path, opts.Inputs[:], opts.Outputs[:], so)
	if err != nil {
		return nil, fmt.Errorf("could not load model %s from %q: %w", name, path, err)
	}
	logger.Info("Loaded model", "name", name, "path", path, "in", time.Since(start).Round(time.Millisecond))
	return &Session{logger: logger, name: name, sess: sess}, nil
}

func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err := configure(so, opts); err != nil {
		so.Destroy()
		return nil, err
	}
	return so, nil
}

func configure(so *ort.SessionOptions, opts Options) error {
	if err := so.SetIntraOpNumThreads(max(opts.Threads, 1)); err != nil {
		return err
	}
	// The arena and memory pattern trade a lot of resident memory for
	// speed; with inputs this large they are switched off.
	if err := so.SetCpuMemArena(false); err != nil {
		return err
	}
	if err := so.SetMemPattern(false); err != nil {
		return err
	}
	// onnxruntime_go has no setter for enable_mem_reuse, so it keeps the
	// runtime default.
	if !opts.CUDA {
		return nil
	}
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	err = cuda.Update(map[string]string{
		"device_id":             strconv.Itoa(opts.CUDADevice),
		"arena_extend_strategy": "kSameAsRequested",
	})
	if err != nil {
		return err
	}
	return so.AppendExecutionProviderCUDA(cuda)
}

// Name returns the name the session was opened with.
func (s *Session) Name() string {
	return s.name
}

// Advance runs the network once. The outputs have the input shapes.
func (s *Session) Advance(ctx context.Context, in tensor.State) (tensor.State, error) {
	if err := ctx.Err(); err != nil {
		return tensor.State{}, err
	}
	upper, err := ort.NewTensor(ort.NewShape(in.Upper.Shape...), in.Upper.Data)
	if err != nil {
		return tensor.State{}, err
	}
	defer upper.Destroy()
	surface, err := ort.NewTensor(ort.NewShape(in.Surface.Shape...), in.Surface.Data)
	if err != nil {
		return tensor.State{}, err
	}
	defer surface.Destroy()

	outUpper, err := ort.NewEmptyTensor[float32](ort.NewShape(in.Upper.Shape...))
	if err != nil {
		return tensor.State{}, err
	}
	defer outUpper.Destroy()
	outSurface, err := ort.NewEmptyTensor[float32](ort.NewShape(in.Surface.Shape...))
	if err != nil {
		return tensor.State{}, err
	}
	defer outSurface.Destroy()

	err = s.sess.Run([]ort.Value{upper, surface}, []ort.Value{outUpper, outSurface})
	if err != nil {
		return tensor.State{}, fmt.Errorf("model %s: %w", s.name, err)
	}
	return tensor.State{
		Upper:   tensor.Tensor{Shape: slices.Clone(in.Upper.Shape), Data: slices.Clone(outUpper.GetData())},
		Surface: tensor.Tensor{Shape: slices.Clone(in.Surface.Shape), Data: slices.Clone(outSurface.GetData())},
	}, nil
}

// Close releases the session.
func (s *Session) Close() error {
	return s.sess.Destroy()
}

// Pair holds the 6-hour and 24-hour networks.
type Pair struct {
	Fine   *Session
	Coarse *Session
}

// OpenPair loads both networks in parallel. If either fails, the other is
// closed again.
func OpenPair(logger *slog.Logger, finePath, coarsePath string, opts Options) (*Pair, error) {
	var pair Pair
	p := pool.New().WithErrors()
	p.Go(func() error {
		var err error
		pair.Fine, err = Open(logger, "6h", finePath, opts)
		return err
	})
	p.Go(func() error {
		var err error
		pair.Coarse, err = Open(logger, "24h", coarsePath, opts)
		return err
	})
	if err := p.Wait(); err != nil {
		pair.Close()
		return nil, err
	}
	return &pair, nil
}

// Close closes whichever sessions are open.
func (p *Pair) Close() {
	for _, s := range []*Session{p.Fine, p.Coarse} {
		if s != nil {
			s.Close()
		}
	}
}
