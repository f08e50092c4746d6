package log

import (
	"io"
	"log/slog"
	"runtime"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
)

const timeFormat = "060102 15:04:05.000"

func setupSLog(w *LogWriter) {
	var out io.Writer = w
	if w.IsStdout() && runtime.GOOS == "windows" {
		out = colorable.NewColorable(w.file)
	}

	logHandler := tint.NewHandler(out, &tint.Options{
		AddSource:  true,
		Level:      slogLevel,
		TimeFormat: timeFormat,
		NoColor:    !w.IsTerminal(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Give trace and critical their own names.
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					switch {
					case lvl <= LevelTrace:
						return slog.String(slog.LevelKey, "TRC")
					case lvl > slog.LevelError:
						return slog.String(slog.LevelKey, "CRT")
					}
				}
			}
			return a
		},
	})

	// Set as default logger.
	slog.SetDefault(slog.New(logHandler))
}
