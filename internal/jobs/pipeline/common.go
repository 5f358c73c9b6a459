package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gorm.io/datatypes"

	"github.com/fablecast/fablecast-backend/internal/jobs/orchestrator"
	jobrt "github.com/fablecast/fablecast-backend/internal/jobs/runtime"
	"github.com/fablecast/fablecast-backend/internal/platform/dbctx"
	"github.com/fablecast/fablecast-backend/internal/platform/gcs"
	"github.com/fablecast/fablecast-backend/internal/platform/httpx"
)

const maxChapterBytes = 1 << 20 // 1 MiB of chapter text is plenty

func mustJSON(v any) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

// classify maps a provider call error onto the engine's taxonomy. Retryable
// transport and 5xx/429 failures stay transient; a permanent provider
// rejection is fatal but resumable, since an edited prompt or topped-up quota
// can fix it on a later resume.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		if httpx.IsRetryableHTTPStatus(sc.HTTPStatusCode()) {
			return orchestrator.Transient(err)
		}
		return orchestrator.Fatal(err, true)
	}
	return orchestrator.Transient(err)
}

// loadChapterText pulls the chapter body referenced by the job. Chapter
// uploads live in the media bucket under their chapter_ref key.
func (p *VideoGeneratePipeline) loadChapterText(jc *jobrt.Context) (string, error) {
	ref := strings.TrimSpace(jc.Job.ChapterRef)
	if ref == "" {
		return "", orchestrator.Fatal(fmt.Errorf("job has no chapter_ref"), false)
	}
	rc, err := p.bucket.DownloadFile(jc.Ctx, gcs.BucketCategoryChapter, ref)
	if err != nil {
		return "", classify(fmt.Errorf("download chapter %s: %w", ref, err))
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxChapterBytes))
	if err != nil {
		return "", orchestrator.Transient(fmt.Errorf("read chapter %s: %w", ref, err))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "", orchestrator.Fatal(fmt.Errorf("chapter %s is empty", ref), false)
	}
	return text, nil
}

// taskBook is the async-stage bookkeeping kept in the ledger row's step_data:
// provider task ids by scene index, written on submit and read on every poll
// so a re-entered stage never re-submits finished work.
type taskBook struct {
	Tasks map[string]string `json:"tasks,omitempty"` // scene index -> task id
	Phase string            `json:"phase,omitempty"` // merge only: submit|combining
}

func loadTaskBook(jc *jobrt.Context, stepName string) (*taskBook, error) {
	step, err := jc.Steps.Get(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID, stepName)
	if err != nil {
		return nil, err
	}
	book := &taskBook{Tasks: map[string]string{}}
	if step == nil || len(step.StepData) == 0 {
		return book, nil
	}
	if err := json.Unmarshal(step.StepData, book); err != nil {
		return nil, fmt.Errorf("decode step_data for %s: %w", stepName, err)
	}
	if book.Tasks == nil {
		book.Tasks = map[string]string{}
	}
	return book, nil
}

func saveTaskBook(jc *jobrt.Context, stepName string, book *taskBook) error {
	return jc.Steps.SetStepData(dbctx.Context{Ctx: jc.Ctx}, jc.Job.ID, stepName, mustJSON(book))
}

func sceneKey(index int) string { return fmt.Sprintf("%d", index) }
