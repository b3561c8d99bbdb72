package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/manash/imgbatch/internal/seed"
	"github.com/manash/imgbatch/pkg/models"
)

const (
	MaxWorkers            = 10
	DefaultWorkers        = 3
	DefaultJobTimeout     = 10 * time.Minute
	DefaultLowSuccessRate = 0.5
)

var (
	ErrPanic   = errors.New("job panicked")
	ErrSkipped = errors.New("job not started: batch cancelled")
)

// Pipeline runs every step of one job. The job's seed is already assigned.
type Pipeline func(ctx context.Context, job *models.Job) (*Outcome, error)

type Outcome struct {
	Path              string
	Size              int64
	MediaGenerationID string
}

type Result struct {
	Index             int
	RowID             string
	Prompt            string
	Mode              models.Mode
	Seed              int64
	Path              string
	Size              int64
	MediaGenerationID string
	Error             error
	Skipped           bool
	Duration          time.Duration
}

func (r Result) OK() bool {
	return r.Error == nil && !r.Skipped
}

type Options struct {
	Workers int
	// JobTimeout bounds one job including all of its retries.
	JobTimeout     time.Duration
	LowSuccessRate float64
}

type Report struct {
	Results   []Result
	Succeeded int
	Failed    int
	Skipped   int
	Elapsed   time.Duration

	lowSuccessRate float64
}

// Successful reports whether at least one job produced an image.
func (r *Report) Successful() bool {
	return r.Succeeded > 0
}

// SuccessRate is the share of started jobs that succeeded.
func (r *Report) SuccessRate() float64 {
	started := r.Succeeded + r.Failed
	if started == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(started)
}

// LowSuccess flags a batch that ran but mostly failed. It is a notice, not
// a batch failure.
func (r *Report) LowSuccess() bool {
	return r.Succeeded+r.Failed > 0 && r.SuccessRate() < r.lowSuccessRate
}

func (r *Report) FailedRowIDs() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Error != nil && !res.Skipped {
			ids = append(ids, res.RowID)
		}
	}
	return ids
}

type Processor struct {
	seeds  *seed.Allocator
	out    io.Writer
	err    io.Writer
	outMu  sync.Mutex
	logger zerolog.Logger
}

func NewProcessor(seeds *seed.Allocator, out, errOut io.Writer, logger zerolog.Logger) *Processor {
	return &Processor{
		seeds:  seeds,
		out:    out,
		err:    errOut,
		logger: logger,
	}
}

func (p *Processor) printf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.out, format, args...)
	p.outMu.Unlock()
}

func (p *Processor) errorf(format string, args ...interface{}) {
	p.outMu.Lock()
	fmt.Fprintf(p.err, format, args...)
	p.outMu.Unlock()
}

// Run fans jobs out over a fixed pool of workers. Each job's failure or
// panic is recorded in its Result and never affects other jobs. Cancelling
// ctx stops dispatch; jobs already running finish within their own timeout
// and the rest are reported as skipped.
func (p *Processor) Run(ctx context.Context, jobs []*models.Job, opts Options, pipeline Pipeline) *Report {
	start := time.Now()
	opts = normalize(opts, len(jobs))

	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = Result{
			Index:   i + 1,
			RowID:   job.RowID,
			Prompt:  job.Prompt,
			Mode:    job.Mode(),
			Error:   ErrSkipped,
			Skipped: true,
		}
	}

	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				if ctx.Err() != nil {
					continue
				}
				results[i] = p.runJob(ctx, jobs[i], i+1, len(jobs), opts, pipeline)
			}
		}()
	}

dispatch:
	for i := range jobs {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case work <- i:
		}
	}
	close(work)
	wg.Wait()

	report := &Report{
		Results:        results,
		Elapsed:        time.Since(start),
		lowSuccessRate: opts.LowSuccessRate,
	}
	for _, r := range results {
		switch {
		case r.Skipped:
			report.Skipped++
		case r.Error != nil:
			report.Failed++
		default:
			report.Succeeded++
		}
	}

	p.logger.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("elapsed", report.Elapsed).
		Msg("Batch finished")
	return report
}

func (p *Processor) runJob(ctx context.Context, job *models.Job, current, total int, opts Options, pipeline Pipeline) (res Result) {
	start := time.Now()
	res = Result{
		Index:  current,
		RowID:  job.RowID,
		Prompt: job.Prompt,
		Mode:   job.Mode(),
	}

	job.Seed = p.seeds.Next()
	res.Seed = job.Seed

	log := p.logger.With().Str("row", job.RowID).Int64("seed", job.Seed).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Errorf("%w: %v", ErrPanic, r)
			res.Duration = time.Since(start)
			log.Error().Str("stack", string(debug.Stack())).Interface("panic", r).Msg("Job panicked")
			p.errorf("[%d/%d] row %s: failed: %v\n", current, total, job.RowID, res.Error)
		}
	}()

	p.printf("[%d/%d] row %s: generating %q (%s, seed %d)\n", current, total, job.RowID, truncate(job.Prompt, 50), res.Mode, job.Seed)

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.JobTimeout)
	defer cancel()

	out, err := pipeline(jobCtx, job)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err
		log.Error().Err(err).Dur("duration", res.Duration).Msg("Job failed")
		p.errorf("[%d/%d] row %s: failed: %v\n", current, total, job.RowID, err)
		return res
	}
	if out == nil {
		out = &Outcome{}
	}

	res.Path = out.Path
	res.Size = out.Size
	res.MediaGenerationID = out.MediaGenerationID
	log.Info().Str("path", out.Path).Dur("duration", res.Duration).Msg("Job succeeded")
	p.printf("[%d/%d] row %s: saved %s (%s)\n", current, total, job.RowID, out.Path, humanize.Bytes(uint64(out.Size)))
	return res
}

func normalize(opts Options, jobs int) Options {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers > MaxWorkers {
		opts.Workers = MaxWorkers
	}
	if jobs > 0 && opts.Workers > jobs {
		opts.Workers = jobs
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.LowSuccessRate <= 0 {
		opts.LowSuccessRate = DefaultLowSuccessRate
	}
	return opts
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func (p *Processor) PrintSummary(report *Report) {
	var saved uint64
	var failures []Result
	for _, r := range report.Results {
		switch {
		case r.OK():
			saved += uint64(r.Size)
		case !r.Skipped:
			failures = append(failures, r)
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d images\n", report.Succeeded, len(report.Results))
	if report.Failed > 0 {
		fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", report.Failed)
	}
	if report.Skipped > 0 {
		fmt.Fprintf(p.out, "  Skipped: %d (cancelled before start)\n", report.Skipped)
	}
	fmt.Fprintf(p.out, "  Saved: %s in %s\n", humanize.Bytes(saved), report.Elapsed.Round(time.Second))
	if report.LowSuccess() {
		fmt.Fprintf(p.out, "  Warning: low success rate (%.0f%%); try fewer workers or refresh the cookie\n", report.SuccessRate()*100)
	}

	if len(failures) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Errors:")
		for _, e := range failures {
			fmt.Fprintf(p.out, "  [row %s] %q: %v\n", e.RowID, truncate(e.Prompt, 40), e.Error)
		}
	}
}
