// Package processing implements the stage handlers the worker runs for each
// job type: OCR clean-up, classification, translation, and form generation.
//
// Every handler builds model input from the document (the source text for
// OCR, the latest OCR result for everything after it), calls the inference
// capability one or more times, and returns a validated payload result with
// the confidence evaluations the gate decides on. When more than one sample
// is taken, the agreement between the samples is added as an extra
// evaluation so inconsistent output routes to review.
package processing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"caseflow/internal/config"
	"caseflow/internal/gate"
	"caseflow/internal/language"
	"caseflow/internal/logging"
	"caseflow/internal/payload"
	"caseflow/internal/queue"
	"caseflow/internal/services"
	"caseflow/internal/services/inference"
	"caseflow/internal/stage"
	"caseflow/internal/textutil"
)

// Inferer is the AI capability used by the handlers.
type Inferer interface {
	Infer(context.Context, inference.Request) (inference.Response, error)
	HealthCheck(context.Context) error
}

// input is the model request for one job.
type input struct {
	content string
	prompt  string
}

type handler struct {
	name    string
	kind    payload.Kind
	jobs    *queue.Store
	ai      Inferer
	samples int
	logger  *slog.Logger

	prepare func(context.Context, *queue.Job) error
	build   func(context.Context, *queue.Job) (input, error)
	check   func(payload.Result) (payload.Result, error)
}

// NewHandlers returns a handler per job type.
func NewHandlers(jobs *queue.Store, ai Inferer, cfg config.Inference, logger *slog.Logger) map[queue.JobType]stage.Handler {
	samples := cfg.Samples
	if samples <= 0 {
		samples = 1
	}
	base := func(jobType queue.JobType, name string) *handler {
		return &handler{
			name:    name,
			kind:    jobType.PayloadKind(),
			jobs:    jobs,
			ai:      ai,
			samples: samples,
			logger:  logging.NewComponentLogger(logger, "processing-"+string(jobType)),
		}
	}

	target := language.Normalize(cfg.TargetLanguage)
	if target == "" {
		target = "en"
	}
	src := &sources{jobs: jobs, maxBytes: defaultMaxSourceBytes}

	ocr := base(queue.JobOCR, inference.StageOCR)
	ocr.prepare = src.requireSource
	ocr.build = src.ocrInput

	classify := base(queue.JobClassification, inference.StageClassification)
	classify.prepare = src.requireOCR
	classify.build = src.classificationInput

	translate := base(queue.JobTranslation, inference.StageTranslation)
	translate.prepare = src.requireOCR
	translate.build = src.translationInput(target)
	translate.check = checkTranslation(target)

	form := base(queue.JobFormGeneration, inference.StageFormGeneration)
	form.prepare = src.requireOCR
	form.build = src.formInput

	return map[queue.JobType]stage.Handler{
		queue.JobOCR:            ocr,
		queue.JobClassification: classify,
		queue.JobTranslation:    translate,
		queue.JobFormGeneration: form,
	}
}

func (h *handler) Prepare(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return services.Wrap(services.ErrValidation, h.name, "prepare", "job is required", nil)
	}
	if job.Type.PayloadKind() != h.kind {
		return services.Wrap(services.ErrValidation, h.name, "prepare",
			fmt.Sprintf("handler cannot run %s jobs", job.Type), nil)
	}
	if h.prepare == nil {
		return nil
	}
	return h.prepare(ctx, job)
}

type sample struct {
	result payload.Result
	reason string
}

func (h *handler) Execute(ctx context.Context, job *queue.Job) (stage.Outcome, error) {
	in, err := h.build(ctx, job)
	if err != nil {
		return stage.Outcome{}, err
	}
	req := inference.Request{Stage: h.name, Content: in.content, Prompt: in.prompt}

	samples := make([]sample, h.samples)
	g, gctx := errgroup.WithContext(ctx)
	for i := range samples {
		g.Go(func() error {
			resp, err := h.ai.Infer(gctx, req)
			if err != nil {
				return err
			}
			result, err := stage.DecodeResult(h.kind, resp.Payload, resp.Confidence)
			if err != nil {
				return err
			}
			if h.check != nil {
				if result, err = h.check(result); err != nil {
					return err
				}
			}
			samples[i] = sample{result: result, reason: resp.Reason}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stage.Outcome{}, err
	}

	outcome := stage.Outcome{Result: samples[0].result}
	texts := make([]string, 0, len(samples))
	for i, s := range samples {
		if s.result.Score() > outcome.Result.Score() {
			outcome.Result = s.result
		}
		outcome.Evaluations = append(outcome.Evaluations, gate.ConfidenceResult{
			Score:     s.result.Score(),
			Reason:    s.reason,
			Evaluator: fmt.Sprintf("sample-%d", i+1),
		})
		texts = append(texts, resultText(s.result))
	}
	if len(samples) > 1 {
		outcome.Evaluations = append(outcome.Evaluations, gate.ConfidenceResult{
			Score:     textutil.Agreement(texts),
			Reason:    "agreement between samples",
			Evaluator: "agreement",
		})
	}

	logging.WithContext(ctx, h.logger).Info("stage result produced",
		logging.String(logging.FieldEventType, "stage_result"),
		logging.String(logging.FieldStage, h.name),
		logging.String("result_kind", string(h.kind)),
		logging.Int("samples", len(samples)),
		logging.Float64("confidence", outcome.Result.Score()),
	)
	return outcome, nil
}

func (h *handler) HealthCheck(ctx context.Context) stage.Health {
	if h.ai == nil {
		return stage.Unhealthy(h.name, "inference client not configured")
	}
	if err := h.ai.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(h.name, err.Error())
	}
	return stage.Healthy(h.name)
}

// resultText flattens a result into the text compared across samples.
func resultText(result payload.Result) string {
	switch r := result.(type) {
	case payload.OCRResult:
		return r.Text
	case payload.TranslationResult:
		return r.Text
	case payload.ClassificationResult:
		return r.Category + " " + strings.Join(r.Labels, " ")
	case payload.FormResult:
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(r.FormID)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s %s", k, r.Fields[k])
		}
		return b.String()
	default:
		return ""
	}
}
