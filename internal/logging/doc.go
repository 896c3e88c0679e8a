// Package logging provides file-based logging with rotation for coderag.
// Every command writes JSON log lines at the --log-level level (default
// info) to ~/.coderag/logs/server.log. Commands other than serve also
// copy them to stderr; serve writes to the file only.
package logging
