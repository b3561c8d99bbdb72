package batch

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/manash/imgbatch/pkg/models"
)

var ErrNoJobs = errors.New("no prompts found in file")

// referenceColumns maps source column names to reference categories. The
// caption column for each is "<name>_caption".
var referenceColumns = []struct {
	name     string
	category models.Category
}{
	{"subject", models.CategorySubject},
	{"scene", models.CategoryScene},
	{"style", models.CategoryStyle},
}

type jsonJob struct {
	RowID          flexString         `json:"row_id"`
	Prompt         string             `json:"prompt"`
	AspectRatio    string             `json:"aspect_ratio,omitempty"`
	Subject        string             `json:"subject,omitempty"`
	SubjectCaption string             `json:"subject_caption,omitempty"`
	Scene          string             `json:"scene,omitempty"`
	SceneCaption   string             `json:"scene_caption,omitempty"`
	Style          string             `json:"style,omitempty"`
	StyleCaption   string             `json:"style_caption,omitempty"`
	References     []models.Reference `json:"references,omitempty"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("row_id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// ParseFile reads jobs from a .txt, .json or .csv file. Relative reference
// paths are resolved against the file's directory.
func ParseFile(path string, defaultAspect models.AspectRatio) ([]*models.Job, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var jobs []*models.Job
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		jobs, err = ParseJSON(file)
	case ".csv":
		jobs, err = ParseCSV(file)
	case ".txt", "":
		jobs, err = ParseText(file)
	default:
		return nil, fmt.Errorf("unsupported file format %q: use .txt, .json or .csv", ext)
	}
	if err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	for _, job := range jobs {
		if job.AspectRatio == "" {
			job.AspectRatio = defaultAspect
		}
		for i := range job.References {
			p := job.References[i].Path
			if p != "" && !filepath.IsAbs(p) {
				job.References[i].Path = filepath.Join(base, p)
			}
		}
	}
	return jobs, nil
}

// ParseText reads one prompt per line. Blank lines and lines starting with
// '#' are skipped; row ids count prompts from 1.
func ParseText(r io.Reader) ([]*models.Job, error) {
	var jobs []*models.Job
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	index := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		index++
		jobs = append(jobs, &models.Job{RowID: strconv.Itoa(index), Prompt: line})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}
	return jobs, nil
}

func ParseJSON(r io.Reader) ([]*models.Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var items []jsonJob
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNoJobs
	}

	jobs := make([]*models.Job, 0, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.Prompt) == "" {
			return nil, fmt.Errorf("item %d has empty prompt", i+1)
		}
		job := &models.Job{
			RowID:  string(it.RowID),
			Prompt: it.Prompt,
		}
		if job.RowID == "" {
			job.RowID = strconv.Itoa(i + 1)
		}
		if it.AspectRatio != "" {
			if job.AspectRatio, err = models.ParseAspectRatio(it.AspectRatio); err != nil {
				return nil, fmt.Errorf("item %d: %w", i+1, err)
			}
		}

		job.References = append(job.References, it.References...)
		cols := map[string][2]string{
			"subject": {it.Subject, it.SubjectCaption},
			"scene":   {it.Scene, it.SceneCaption},
			"style":   {it.Style, it.StyleCaption},
		}
		for _, rc := range referenceColumns {
			if v := cols[rc.name]; strings.TrimSpace(v[0]) != "" {
				job.References = append(job.References, models.Reference{
					Path:     strings.TrimSpace(v[0]),
					Caption:  strings.TrimSpace(v[1]),
					Category: rc.category,
				})
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ParseCSV reads a header row followed by one job per row. Recognised
// columns: row_id, prompt, aspect_ratio, and for each of subject, scene and
// style a path column plus a matching _caption column. Only prompt is
// required.
func ParseCSV(r io.Reader) ([]*models.Job, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := col["prompt"]; !ok {
		return nil, errors.New("CSV header has no prompt column")
	}

	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var jobs []*models.Job
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV line %d: %w", line, err)
		}

		prompt := get(rec, "prompt")
		if prompt == "" {
			continue
		}
		job := &models.Job{RowID: get(rec, "row_id"), Prompt: prompt}
		if job.RowID == "" {
			job.RowID = strconv.Itoa(len(jobs) + 1)
		}
		if ar := get(rec, "aspect_ratio"); ar != "" {
			if job.AspectRatio, err = models.ParseAspectRatio(ar); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		for _, rc := range referenceColumns {
			if p := get(rec, rc.name); p != "" {
				job.References = append(job.References, models.Reference{
					Path:     p,
					Caption:  get(rec, rc.name+"_caption"),
					Category: rc.category,
				})
			}
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}
	return jobs, nil
}
