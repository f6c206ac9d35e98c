package trajectory

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export is the JSON form of a stored run.
type Export struct {
	Meta   RunMetadata `json:"meta"`
	Times  []float64   `json:"times"`
	States [][]float64 `json:"states"`
}

// ExportJSON writes the metadata and samples of runID as one document.
func (s *Store) ExportJSON(runID string, w io.Writer) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	states, times, err := s.LoadStates(runID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Export{Meta: *meta, Times: times, States: states})
}

// ExportCSV writes the samples of runID with a time column.
func (s *Store) ExportCSV(runID string, w io.Writer) error {
	states, times, err := s.LoadStates(runID)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return fmt.Errorf("trajectory: run %s has no samples", runID)
	}

	cw := csv.NewWriter(w)
	header := []string{"time"}
	for i := range states[0] {
		header = append(header, fmt.Sprintf("x%d", i))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, x := range states {
		row := []string{strconv.FormatFloat(times[i], 'g', -1, 64)}
		for _, v := range x {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
