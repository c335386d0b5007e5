// Copyright 2025 James Ross

// Package e2e drives the runtime's real transport framing end-to-end, over
// an in-process Unix domain socket pair, the way an external client would:
// handshake, submit requests, read streamed or collected responses. These
// are the scenario tests named in the specification (S1, S2, S4, S6); the
// per-slot cancellation (S3) and hot-swap (S5) properties are covered at
// the unit level in internal/batcher and internal/registry, where the
// relevant race windows are far easier to force deterministically.
package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "inferd end-to-end suite")
}
