package booking

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Booking events"

var exportColumns = []string{
	"Event ID", "Occurred At", "Booking ID", "Root Booking ID", "Kind", "Outcome",
	"Actor ID", "Actor Role", "Previous Status", "Next Status", "Reason", "Credit ID",
}

// eventSheet streams booking events as one row each under a bold header.
// Rows must be written in order; Flush ends the sheet.
type eventSheet struct {
	file   *excelize.File
	stream *excelize.StreamWriter
	row    int
}

func newEventSheet() (*eventSheet, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open stream writer: %w", err)
	}
	// Column widths must precede the first row.
	if err := sw.SetColWidth(1, len(exportColumns), 20); err != nil {
		f.Close()
		return nil, fmt.Errorf("set column width: %w", err)
	}
	return &eventSheet{file: f, stream: sw, row: 1}, nil
}

func (w *eventSheet) writeRow(values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.stream.SetRow(cell, values); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *eventSheet) writeHeader() error {
	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	header := make([]interface{}, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = excelize.Cell{StyleID: style, Value: c}
	}
	return w.writeRow(header)
}

func (w *eventSheet) writeEvent(e *Event) error {
	credit := ""
	if e.CreditID != nil {
		credit = e.CreditID.String()
	}
	return w.writeRow([]interface{}{
		e.ID,
		e.OccurredAt.UTC().Format(time.RFC3339),
		e.BookingID.String(),
		e.RootBookingID.String(),
		string(e.Kind),
		string(e.Outcome),
		e.ActorID.String(),
		e.ActorRole,
		string(e.PrevStatus),
		string(e.NextStatus),
		e.Reason,
		credit,
	})
}

// writeEventsXLSX renders events as a single-sheet workbook.
func writeEventsXLSX(w io.Writer, events []*Event) error {
	sheet, err := newEventSheet()
	if err != nil {
		return err
	}
	defer sheet.file.Close()

	if err := sheet.writeHeader(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range events {
		if err := sheet.writeEvent(e); err != nil {
			return fmt.Errorf("write event %d: %w", e.ID, err)
		}
	}
	if err := sheet.stream.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if err := sheet.file.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
