package tasks

import (
	"fmt"
	"strings"
	"time"
)

const taskColumns = "id, title, create_date, done_date, status"

// draftColumns lists the columns present in d with their bind values.
// Present nulls bind as nil; absent fields are skipped so column defaults apply.
func draftColumns(d Draft, encodeTime func(time.Time) any) ([]string, []any) {
	var (
		cols []string
		args []any
	)
	if d.Title.Present {
		cols = append(cols, "title")
		args = append(args, nullable(d.Title, func(s string) any { return s }))
	}
	if d.CreateDate.Present {
		cols = append(cols, "create_date")
		args = append(args, nullable(d.CreateDate, encodeTime))
	}
	if d.DoneDate.Present {
		cols = append(cols, "done_date")
		args = append(args, nullable(d.DoneDate, encodeTime))
	}
	if d.Status.Present {
		cols = append(cols, "status")
		args = append(args, nullable(d.Status, func(s string) any { return s }))
	}
	return cols, args
}

func nullable[T any](f Field[T], encode func(T) any) any {
	if !f.Valid {
		return nil
	}
	return encode(f.Value)
}

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

func insertSQL(cols []string, ph placeholder) string {
	if len(cols) == 0 {
		return "INSERT INTO tasks DEFAULT VALUES RETURNING " + taskColumns
	}
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO tasks (%s) VALUES (%s) RETURNING %s",
		strings.Join(cols, ", "), strings.Join(marks, ", "), taskColumns)
}

// updateSQL binds the id as the last parameter.
func updateSQL(cols []string, ph placeholder) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = " + ph(i+1)
	}
	return fmt.Sprintf("UPDATE tasks SET %s WHERE id = %s RETURNING %s",
		strings.Join(sets, ", "), ph(len(cols)+1), taskColumns)
}
