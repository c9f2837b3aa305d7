// Package logging assembles structured zap loggers and field helpers used
// across creativepipe services.
//
// It owns the console/JSON encoders, level parsing, and optional rotating file
// output (lumberjack), and exposes context-aware helpers so stage code can
// automatically tag log lines with campaign IDs, locales, aspect ratios, stages,
// and correlation IDs.
//
// Prefer these constructors over hand-rolled zap setup so new components emit
// data with the same shape as the rest of the system.
package logging
