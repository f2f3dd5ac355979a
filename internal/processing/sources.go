package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"caseflow/internal/language"
	"caseflow/internal/payload"
	"caseflow/internal/queue"
	"caseflow/internal/services"
)

const defaultMaxSourceBytes = 2 << 20

type sources struct {
	jobs     *queue.Store
	maxBytes int64
}

func (s *sources) requireSource(ctx context.Context, job *queue.Job) error {
	doc, err := s.jobs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(doc.SourcePath) == "" {
		return services.Wrap(services.ErrValidation, "ocr", "prepare",
			"document has no source file; re-upload it", nil)
	}
	if _, err := os.Stat(doc.SourcePath); err != nil {
		return services.Wrap(services.ErrValidation, "ocr", "prepare", "source file unavailable", err)
	}
	return nil
}

func (s *sources) ocrInput(ctx context.Context, job *queue.Job) (input, error) {
	doc, err := s.jobs.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return input{}, err
	}
	f, err := os.Open(doc.SourcePath)
	if err != nil {
		return input{}, services.Wrap(services.ErrValidation, "ocr", "read source", "source file unavailable", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		// Read errors on a local file are worth another attempt.
		return input{}, services.Wrap(services.ErrTransient, "ocr", "read source", doc.SourcePath, err)
	}
	if int64(len(data)) > s.maxBytes {
		return input{}, services.Wrap(services.ErrValidation, "ocr", "read source",
			fmt.Sprintf("source exceeds %d bytes", s.maxBytes), nil)
	}
	if !utf8.Valid(data) {
		return input{}, services.Wrap(services.ErrValidation, "ocr", "read source",
			"source is not text; run text extraction before OCR clean-up", nil)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return input{}, services.Wrap(services.ErrValidation, "ocr", "read source", "source is empty", nil)
	}
	return input{content: text}, nil
}

func (s *sources) requireOCR(ctx context.Context, job *queue.Job) error {
	_, err := s.latestOCR(ctx, job.DocumentID)
	return err
}

// latestOCR returns the newest OCR result for the document, whether it was
// completed automatically or parked for review.
func (s *sources) latestOCR(ctx context.Context, documentID string) (payload.OCRResult, error) {
	result, err := s.latest(ctx, documentID, queue.JobOCR)
	if err != nil && !errors.Is(err, errNoResult) {
		return payload.OCRResult{}, err
	}
	ocr, ok := result.(payload.OCRResult)
	if !ok {
		return payload.OCRResult{}, services.Wrap(services.ErrValidation, "processing", "load ocr",
			"ocr result missing; rerun ocr", nil)
	}
	return ocr, nil
}

var errNoResult = errors.New("no stored result")

func (s *sources) latest(ctx context.Context, documentID string, jobType queue.JobType) (payload.Result, error) {
	jobs, err := s.jobs.List(ctx, queue.Filter{
		DocumentID: documentID,
		Types:      []queue.JobType{jobType},
		Statuses:   []queue.Status{queue.StatusCompleted, queue.StatusNeedsReview},
	})
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		result, err := j.Result()
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, fmt.Errorf("%w: %s for %s", errNoResult, jobType, documentID)
}

func (s *sources) classificationInput(ctx context.Context, job *queue.Job) (input, error) {
	ocr, err := s.latestOCR(ctx, job.DocumentID)
	if err != nil {
		return input{}, err
	}
	return input{content: ocr.Text}, nil
}

func (s *sources) translationInput(target string) func(context.Context, *queue.Job) (input, error) {
	return func(ctx context.Context, job *queue.Job) (input, error) {
		ocr, err := s.latestOCR(ctx, job.DocumentID)
		if err != nil {
			return input{}, err
		}
		prompt := fmt.Sprintf("Target language: %s (%s).", target, language.DisplayName(target))
		if src := language.Normalize(ocr.Language); src != "" {
			prompt += fmt.Sprintf(" Detected source language: %s (%s).", src, language.DisplayName(src))
		}
		return input{content: ocr.Text, prompt: prompt}, nil
	}
}

func (s *sources) formInput(ctx context.Context, job *queue.Job) (input, error) {
	ocr, err := s.latestOCR(ctx, job.DocumentID)
	if err != nil {
		return input{}, err
	}
	in := input{content: ocr.Text}
	if result, err := s.latest(ctx, job.DocumentID, queue.JobClassification); err == nil {
		if c, ok := result.(payload.ClassificationResult); ok {
			in.prompt = "Document category: " + c.Category + "."
		}
	} else if !errors.Is(err, errNoResult) {
		return input{}, err
	}
	return in, nil
}

// checkTranslation normalizes language codes and rejects results that are
// not in the configured target language.
func checkTranslation(target string) func(payload.Result) (payload.Result, error) {
	return func(result payload.Result) (payload.Result, error) {
		tr, ok := result.(payload.TranslationResult)
		if !ok {
			return result, nil
		}
		if code := language.Normalize(tr.SourceLanguage); code != "" {
			tr.SourceLanguage = code
		}
		if code := language.Normalize(tr.TargetLanguage); code != "" {
			tr.TargetLanguage = code
		}
		if tr.TargetLanguage != target {
			return nil, services.Wrap(services.ErrValidation, "translation", "check",
				fmt.Sprintf("translated into %s, expected %s", tr.TargetLanguage, target), nil)
		}
		if tr.SourceLanguage == tr.TargetLanguage {
			return nil, services.Wrap(services.ErrValidation, "translation", "check",
				"document is already in the target language", nil)
		}
		return tr, nil
	}
}
