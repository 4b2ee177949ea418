// Package logger builds the application's structured logger on log/slog:
// JSON in prod and text everywhere else, tagged with the environment.
package logger
