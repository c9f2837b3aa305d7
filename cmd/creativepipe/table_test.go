package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"creativepipe/internal/campaign"
)

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B", "C"}, [][]string{{"1"}, {"2", "3", "4"}}, []columnAlignment{alignRight})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 6, "border, header, separator, two rows, border")
	assert.Equal(t, "", renderTable(nil, nil, nil))
}

func TestStatusCellColourOnlyOnTerminal(t *testing.T) {
	assert.Equal(t, "FAILED", statusCell(campaign.StatusFailed, false))
	assert.Contains(t, statusCell(campaign.StatusFailed, true), "FAILED")
	assert.False(t, useColor(&bytes.Buffer{}))
}
