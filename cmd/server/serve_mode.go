package main

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidServeMode = errors.New("invalid serve mode")

// ServeMode selects which parts of the service a process runs.
type ServeMode string

const (
	ServeModeAll  ServeMode = "all"
	ServeModeAPI  ServeMode = "api"
	ServeModeJobs ServeMode = "jobs"
)

func ParseServeMode(rawInput string) (ServeMode, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return ServeModeAll, nil
	}

	mode := ServeMode(normalized)
	switch mode {
	case ServeModeAll, ServeModeAPI, ServeModeJobs:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidServeMode, rawInput)
	}
}

func (mode ServeMode) servesHTTP() bool {
	return mode == ServeModeAll || mode == ServeModeAPI
}

func (mode ServeMode) runsJobs() bool {
	return mode == ServeModeAll || mode == ServeModeJobs
}
