package log

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format expands %time, %level, %field, %msg, %caller and %n in the pattern.
// Fields are rendered key=value, sorted by key.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", strings.ToUpper(entry.Level.String()),
		"%field", buildFields(entry),
		"%msg", entry.Message,
		"%caller", caller(entry),
		"%n", "\n",
	)
	return []byte(r.Replace(f.pattern)), nil
}

func caller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	return fmt.Sprintf("%s:%d", path.Base(entry.Caller.File), entry.Caller.Line)
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val, ok := entry.Data[k].(string)
		if !ok {
			val = fmt.Sprint(entry.Data[k])
		}
		fields = append(fields, k+"="+val)
	}
	return strings.Join(fields, ",")
}
