package slurmtext

import (
	"strconv"
	"strings"
)

// PartitionFields is the parsed key=value line `scontrol show
// partition -o` emits for one partition, before the derived-limits
// rules (§4.D) are applied by the partition package.
type PartitionFields struct {
	Name            string
	Default         bool
	MaxTime         string
	MaxCPUsPerNode  string // "UNLIMITED" or a number, kept raw for the caller to apply derivation rules
	MaxMemPerNode   string
	TotalCPUs       int
	TotalNodes      int
	TotalMemMB      int
	AllowAccounts   string
	DenyAccounts    string
}

// ParsePartitionLine parses one `PartitionName=... Key=Value ...`
// line into PartitionFields. Parsing is deterministic: the same line
// always yields the same fields, since every field is either copied
// through verbatim or derived identically each time. This package has
// no serialiser back to the key=value line format, so a
// parse-serialise-parse round trip is not available here.
func ParsePartitionLine(line string) PartitionFields {
	var f PartitionFields
	for _, tok := range strings.Fields(line) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch k {
		case "PartitionName":
			f.Name = v
		case "Default":
			f.Default = v == "YES"
		case "MaxTime":
			f.MaxTime = v
		case "MaxCPUsPerNode":
			f.MaxCPUsPerNode = v
		case "MaxMemPerNode":
			f.MaxMemPerNode = v
		case "AllowAccounts":
			f.AllowAccounts = v
		case "DenyAccounts":
			f.DenyAccounts = v
		case "TRES":
			parseTRES(v, &f)
		}
	}
	return f
}

// parseTRES extracts TotalCPUs/TotalNodes/TotalMemMB from a
// "cpu=440,mem=640000M,node=10" style TRES field.
func parseTRES(v string, f *PartitionFields) {
	for _, kv := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "cpu":
			if n, err := strconv.Atoi(val); err == nil {
				f.TotalCPUs = n
			}
		case "node":
			if n, err := strconv.Atoi(val); err == nil {
				f.TotalNodes = n
			}
		case "mem":
			if mb, ok := ParseMemoryMB(val); ok {
				f.TotalMemMB = mb
			}
		}
	}
}

// GRES is the parsed "gpu:TYPE:COUNT" form sinfo's gres column emits
// for a GPU partition.
type GRES struct {
	Type  string
	Count int
}

// ParseGRES parses a "gpu:a100:4" (or bare "gpu:4") string. Lines
// with no "gpu:" component return ok=false.
func ParseGRES(s string) (g GRES, ok bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || parts[0] != "gpu" {
		return GRES{}, false
	}
	switch len(parts) {
	case 2:
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return GRES{}, false
		}
		return GRES{Count: n}, true
	case 3:
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return GRES{}, false
		}
		return GRES{Type: parts[1], Count: n}, true
	default:
		return GRES{}, false
	}
}
