package recipients

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kursadbilgin/notify-pipeline/internal/domain"
)

// Row is one line of a recipient list. Index is zero-based and excludes the
// header.
type Row struct {
	Index           int
	Recipient       string
	Personalisation map[string]string
}

// RecipientColumn returns the header naming the destination column for t.
func RecipientColumn(t domain.NotificationType) string {
	if t == domain.TypeEmail {
		return "email address"
	}
	return "phone number"
}

// ParseCSV reads a recipient list for channel t. The header must contain the
// recipient column and every name in placeholders. Remaining columns become
// personalisation values keyed by header name.
func ParseCSV(r io.Reader, t domain.NotificationType, placeholders []string) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: recipient list is empty", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient list header: %v", domain.ErrValidation, err)
	}

	columns := make([]string, len(header))
	index := make(map[string]int, len(header))
	for i, name := range header {
		columns[i] = normalizeColumn(name)
		if _, dup := index[columns[i]]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", domain.ErrValidation, name)
		}
		index[columns[i]] = i
	}

	recipientCol, ok := index[RecipientColumn(t)]
	if !ok {
		return nil, fmt.Errorf("%w: missing column %q", domain.ErrValidation, RecipientColumn(t))
	}
	var missing []string
	for _, p := range placeholders {
		if _, ok := index[normalizeColumn(p)]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing columns: %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient list row %d: %v", domain.ErrValidation, len(rows), err)
		}
		if isBlank(record) {
			continue
		}

		row := Row{Index: len(rows), Personalisation: make(map[string]string, len(columns))}
		for i, name := range columns {
			var v string
			if i < len(record) {
				v = strings.TrimSpace(record[i])
			}
			if i == recipientCol {
				row.Recipient = v
				continue
			}
			row.Personalisation[name] = v
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func normalizeColumn(name string) string {
	name = strings.TrimPrefix(name, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
