package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/manash/imgbatch/internal/batch"
	"github.com/manash/imgbatch/internal/config"
	"github.com/manash/imgbatch/internal/display"
	"github.com/manash/imgbatch/internal/history"
	"github.com/manash/imgbatch/internal/provider/whisk"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/security"
	"github.com/manash/imgbatch/internal/seed"
	"github.com/manash/imgbatch/pkg/models"
)

const maxCount = 100

// batchFlags are the per-batch overrides shared by run and generate.
type batchFlags struct {
	workers   int
	seed      int64
	output    string
	aspect    string
	noHistory bool
}

func addBatchFlags(cmd *cobra.Command, f *batchFlags) {
	cmd.Flags().IntVarP(&f.workers, "workers", "w", batch.DefaultWorkers, fmt.Sprintf("concurrent jobs (1-%d)", batch.MaxWorkers))
	cmd.Flags().Int64Var(&f.seed, "seed", 0, "first seed; each job takes the next one")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output directory (default \""+config.DefaultOutputDir+"\")")
	cmd.Flags().StringVarP(&f.aspect, "aspect", "a", "", "aspect ratio: landscape, portrait or square")
	cmd.Flags().BoolVar(&f.noHistory, "no-history", false, "do not record this run")
}

func (f *batchFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("workers") {
		cfg.Workers = f.workers
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = f.seed
	}
	if f.output != "" {
		cfg.OutputDir = f.output
	}
	if f.aspect != "" {
		cfg.AspectRatio = f.aspect
	}
}

// batchEnv loads config with the batch overrides and builds the environment.
func (app *App) batchEnv(cmd *cobra.Command, f *batchFlags) (*env, models.AspectRatio, error) {
	cfg, err := app.loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	f.apply(cmd, cfg)

	aspect, err := models.ParseAspectRatio(cfg.AspectRatio)
	if err != nil {
		return nil, "", err
	}
	e, err := app.newEnv(cfg)
	if err != nil {
		return nil, "", err
	}
	return e, aspect, nil
}

func (app *App) openHistory(e *env, disabled bool) *history.Store {
	if disabled {
		return nil
	}
	hs, err := app.OpenHistory(e.cfg.HistoryDB)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", e.cfg.HistoryDB).Msg("Run history unavailable, continuing without it")
		return nil
	}
	return hs
}

func newRunCmd(app *App) *cobra.Command {
	var f batchFlags
	var rerun string

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Generate one image per row of a .txt, .json or .csv file",
		Long: `Generate one image per row of a job file.

  .txt   one prompt per line; blank lines and # comments are skipped
  .json  an array of {row_id, prompt, subject, scene, style, ...} objects
  .csv   columns row_id,prompt,subject,subject_caption,scene,scene_caption,
         style,style_caption

Rows with reference image paths are composed from those images; relative
paths are resolved against the job file's directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runBatch(cmd, args, &f, rerun)
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().StringVar(&rerun, "rerun-failed", "", "re-run the failed and skipped rows of an earlier run (id or unique prefix)")
	return cmd
}

func (app *App) runBatch(cmd *cobra.Command, args []string, f *batchFlags, rerun string) error {
	switch {
	case rerun != "" && len(args) > 0:
		return errors.New("give either a job file or --rerun-failed, not both")
	case rerun == "" && len(args) == 0:
		return errors.New("a job file or --rerun-failed <run-id> is required")
	case rerun != "" && f.noHistory:
		return errors.New("--rerun-failed needs run history")
	}

	ctx, cancel := signalContext()
	defer cancel()

	e, aspect, err := app.batchEnv(cmd, f)
	if err != nil {
		return err
	}

	hs := app.openHistory(e, f.noHistory)
	if hs != nil {
		defer hs.Close()
	}

	var jobs []*models.Job
	var source, parent string
	if rerun != "" {
		if hs == nil {
			return errors.New("--rerun-failed needs run history")
		}
		prev, err := hs.GetRun(ctx, rerun)
		if err != nil {
			return err
		}
		jobs, err = hs.FailedJobs(ctx, prev.ID)
		if err != nil {
			return fmt.Errorf("failed to load rows of run %s: %w", prev.ID, err)
		}
		if len(jobs) == 0 {
			fmt.Fprintf(app.Out, "Run %s has no failed rows\n", prev.ID)
			return nil
		}
		source = "rerun:" + prev.ID
		parent = prev.ID
	} else {
		jobs, err = batch.ParseFile(args[0], aspect)
		if err != nil {
			return err
		}
		source = args[0]
	}
	fmt.Fprintf(app.Out, "Loaded %d jobs from %s\n", len(jobs), source)

	keeper, err := app.sessions(ctx, e)
	if err != nil {
		return err
	}
	_, err = app.execute(ctx, e, keeper, jobs, source, parent, hs)
	return err
}

// execute runs jobs through the standard pipeline, prints the summary and
// records the run when hs is not nil.
func (app *App) execute(ctx context.Context, e *env, sessions batch.Sessions, jobs []*models.Job, source, parent string, hs *history.Store) (*batch.Report, error) {
	logger := e.logger.With().Str("component", "batch").Logger()
	seeds := seed.New(e.cfg.Seed)
	proc := batch.NewProcessor(seeds, app.Out, app.Err, logger)

	run := &history.Run{
		Source:    source,
		OutputDir: e.cfg.OutputDir,
		Workers:   e.cfg.Workers,
		SeedStart: e.cfg.Seed,
		StartedAt: app.Now(),
		Total:     len(jobs),
		ParentID:  parent,
	}
	if hs != nil {
		if err := hs.CreateRun(ctx, run); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to record run start")
			hs = nil
		}
	}

	pipeline := batch.NewPipeline(batch.Deps{
		Generator: app.generator(e),
		Sessions:  sessions,
		Saver:     app.NewSaver(),
		OutputDir: e.cfg.OutputDir,
		Logger:    logger,
	})

	fmt.Fprintf(app.Out, "Processing %d jobs with %d workers (seeds from %d)\n\n", len(jobs), e.cfg.Workers, e.cfg.Seed)
	report := proc.Run(ctx, jobs, batch.Options{Workers: e.cfg.Workers}, pipeline)
	proc.PrintSummary(report)
	fmt.Fprintf(app.Out, "Next unused seed: %d\n", seeds.Peek())

	if hs != nil {
		run.FinishedAt = app.Now()
		if err := hs.RecordReport(context.WithoutCancel(ctx), run, jobs, report); err != nil {
			e.logger.Warn().Err(err).Str("run", run.ID).Msg("Failed to record run results")
		} else {
			fmt.Fprintf(app.Out, "\nRun id: %s\n", run.ID)
			if report.Failed+report.Skipped > 0 {
				fmt.Fprintf(app.Out, "Re-run failures with: imgbatch run --rerun-failed %s\n", run.ID)
			}
		}
	}

	switch {
	case ctx.Err() != nil:
		return report, fmt.Errorf("interrupted: %w", ctx.Err())
	case !report.Successful():
		return report, errNoImages
	}
	return report, nil
}

// savedPaths lists the files written by the successful jobs of report.
func savedPaths(report *batch.Report) []string {
	if report == nil {
		return nil
	}
	var paths []string
	for _, r := range report.Results {
		if r.OK() && r.Path != "" {
			paths = append(paths, r.Path)
		}
	}
	return paths
}

func (app *App) preview(e *env, paths []string) {
	if len(paths) == 0 {
		return
	}
	if !display.IsTerminalSupported(app.GetEnv) {
		fmt.Fprintln(app.Err, "Note: this terminal cannot show inline images; skipping preview")
		return
	}
	fmt.Fprintln(app.Out)
	if err := app.NewDisplayer(app.Out).ShowFiles(paths); err != nil {
		e.logger.Warn().Err(err).Msg("Preview incomplete")
	}
}

type referenceFlags struct {
	subject, subjectCaption string
	scene, sceneCaption     string
	style, styleCaption     string
}

func (r *referenceFlags) references() []models.Reference {
	var refs []models.Reference
	add := func(path, caption string, c models.Category) {
		if path != "" {
			refs = append(refs, models.Reference{Path: path, Caption: caption, Category: c})
		}
	}
	add(r.subject, r.subjectCaption, models.CategorySubject)
	add(r.scene, r.sceneCaption, models.CategoryScene)
	add(r.style, r.styleCaption, models.CategoryStyle)
	return refs
}

func newGenerateCmd(app *App) *cobra.Command {
	var f batchFlags
	var refs referenceFlags
	var count int
	var show bool

	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate images for a single prompt",
		Long: `Generate N images for one prompt, each with the next seed.

Reference images turn the prompt into a composition:
  imgbatch generate "a knight in the rain" --subject knight.png --style ink.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runGenerate(cmd, args[0], &f, &refs, count, show)
		},
	}
	addBatchFlags(cmd, &f)
	cmd.Flags().IntVarP(&count, "count", "n", 1, fmt.Sprintf("number of images (1-%d)", maxCount))
	cmd.Flags().StringVar(&refs.subject, "subject", "", "subject reference image")
	cmd.Flags().StringVar(&refs.subjectCaption, "subject-caption", "", "caption for the subject image")
	cmd.Flags().StringVar(&refs.scene, "scene", "", "scene reference image")
	cmd.Flags().StringVar(&refs.sceneCaption, "scene-caption", "", "caption for the scene image")
	cmd.Flags().StringVar(&refs.style, "style", "", "style reference image")
	cmd.Flags().StringVar(&refs.styleCaption, "style-caption", "", "caption for the style image")
	cmd.Flags().BoolVarP(&show, "show", "S", false, "preview saved images in the terminal (kitty, ghostty, wezterm)")
	return cmd
}

func (app *App) runGenerate(cmd *cobra.Command, prompt string, f *batchFlags, refs *referenceFlags, count int, show bool) error {
	if count < 1 || count > maxCount {
		return fmt.Errorf("count must be between 1 and %d, got %d", maxCount, count)
	}

	ctx, cancel := signalContext()
	defer cancel()

	e, aspect, err := app.batchEnv(cmd, f)
	if err != nil {
		return err
	}

	references := refs.references()
	jobs := make([]*models.Job, count)
	for i := range jobs {
		job := models.NewJob(strconv.Itoa(i+1), prompt)
		job.AspectRatio = aspect
		job.References = append([]models.Reference(nil), references...)
		jobs[i] = job
	}
	if err := jobs[0].Validate(); err != nil {
		return err
	}

	hs := app.openHistory(e, f.noHistory)
	if hs != nil {
		defer hs.Close()
	}

	keeper, err := app.sessions(ctx, e)
	if err != nil {
		return err
	}
	report, err := app.execute(ctx, e, keeper, jobs, "prompt:"+prompt, "", hs)
	if show {
		app.preview(e, savedPaths(report))
	}
	return err
}

func newEditCmd(app *App) *cobra.Command {
	var (
		mediaID string
		seedVal int64
		output  string
		rowID   string
		show    bool
	)

	cmd := &cobra.Command{
		Use:   "edit <image> <prompt>",
		Short: "Edit a previously generated image with an instruction",
		Long: `Edit a previously generated image.

--media-id is the media generation id printed when the image was saved, or
listed by "imgbatch history show". The edited image is saved as
<row>_<prompt>.jpg in the output directory.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s *int64
			if cmd.Flags().Changed("seed") {
				s = &seedVal
			}
			return app.runEdit(cmd, args[0], args[1], mediaID, s, output, rowID, show)
		},
	}
	cmd.Flags().StringVar(&mediaID, "media-id", "", "media generation id of the original image")
	cmd.Flags().Int64Var(&seedVal, "seed", 0, "seed for the edit (default: server chooses)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default \""+config.DefaultOutputDir+"\")")
	cmd.Flags().StringVar(&rowID, "row", "edit", "row id used in the saved file name")
	cmd.Flags().BoolVarP(&show, "show", "S", false, "preview the edited image in the terminal")
	_ = cmd.MarkFlagRequired("media-id")
	return cmd
}

func (app *App) runEdit(cmd *cobra.Command, imagePath, prompt, mediaID string, seedVal *int64, output, rowID string, show bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := app.loadConfig(cmd)
	if err != nil {
		return err
	}
	if output != "" {
		cfg.OutputDir = output
	}
	e, err := app.newEnv(cfg)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("%w: %w", batch.ErrReadReference, err)
	}
	if _, err := security.CheckImage(data); err != nil {
		return fmt.Errorf("%s: %w", imagePath, err)
	}
	req := &models.EditRequest{
		OriginalMediaID: mediaID,
		RawBytes:        whisk.DataURI(data),
		Prompt:          prompt,
		Seed:            seedVal,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	keeper, err := app.sessions(ctx, e)
	if err != nil {
		return err
	}
	gen := app.generator(e)

	s, err := keeper.Current(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Editing %s...\n", imagePath)
	set, err := gen.EditImage(ctx, s, req)
	if errors.Is(err, retry.ErrUnauthorized) {
		keeper.Invalidate(s)
		if s, err = keeper.Current(ctx); err != nil {
			return err
		}
		set, err = gen.EditImage(ctx, s, req)
	}
	if err != nil {
		return err
	}

	img, ok := set.FirstEncoded()
	if !ok {
		return batch.ErrNoImage
	}
	artifact, err := app.NewSaver().WriteEncoded(img.EncodedImage, rowID, prompt, e.cfg.OutputDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Saved: %s (%s)\n", artifact.Path, artifact.HumanSize())
	if img.MediaGenerationID != "" {
		fmt.Fprintf(app.Out, "Media id: %s\n", img.MediaGenerationID)
	}

	if show {
		app.preview(e, []string{artifact.Path})
	}
	return nil
}
