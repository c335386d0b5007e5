// Copyright 2025 James Ross
package e2e

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inferd/inferd/internal/protocol"
)

var _ = Describe("basic generation", func() {
	// S1: a single non-streaming request to a healthy model runs to
	// completion and reports every token it produced.
	It("returns a finished response with the requested token count", func() {
		rt := startRuntime(defaultRuntimeOpts())
		defer rt.stop()

		client, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer client.close()

		Expect(client.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 1, ModelID: testModelID, Prompt: "hello world",
			Parameters: protocol.Parameters{MaxTokens: 4, Temperature: 0, TopP: 1, Stream: false},
		})).To(Succeed())

		frame, err := client.readFrame()
		Expect(err).NotTo(HaveOccurred())
		var resp protocol.InferenceResponse
		Expect(json.Unmarshal(frame, &resp)).To(Succeed())

		Expect(resp.Type).To(Equal(protocol.KindInferenceResponse))
		Expect(resp.Finished).To(BeTrue())
		Expect(resp.TokensGenerated).To(Equal(4))
		Expect(resp.Error).To(BeEmpty())
	})
})

var _ = Describe("streaming generation", func() {
	// S2: a streaming request yields one or more non-final chunks followed
	// by exactly one final chunk, in order, over the same session.
	It("streams token chunks ending in exactly one final chunk", func() {
		rt := startRuntime(defaultRuntimeOpts())
		defer rt.stop()

		client, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer client.close()

		Expect(client.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 2, ModelID: testModelID, Prompt: "stream this",
			Parameters: protocol.Parameters{MaxTokens: 3, Temperature: 0, TopP: 1, Stream: true},
		})).To(Succeed())

		var chunks []protocol.StreamChunk
		for {
			frame, err := client.readFrame()
			Expect(err).NotTo(HaveOccurred())
			var c protocol.StreamChunk
			Expect(json.Unmarshal(frame, &c)).To(Succeed())
			chunks = append(chunks, c)
			if c.IsFinal {
				break
			}
		}

		Expect(len(chunks)).To(BeNumerically(">=", 2))
		for _, c := range chunks[:len(chunks)-1] {
			Expect(c.IsFinal).To(BeFalse())
		}
		Expect(chunks[len(chunks)-1].IsFinal).To(BeTrue())
	})
})

var _ = Describe("queue saturation", func() {
	// S4: once the queue is at its configured capacity, the next admission
	// attempt is rejected QueueFull and never reaches the batcher.
	It("rejects an inference request once the queue is full", func() {
		opts := defaultRuntimeOpts()
		opts.maxQueueDepth = 1
		opts.maxConcurrency = 8 // concurrency stays free, so the queue-depth check is what rejects
		opts.maxBatchSlots = 0 // batcher never drains a slot, so the queue stays full
		rt := startRuntime(opts)
		defer rt.stop()

		client, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer client.close()

		Expect(client.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 10, ModelID: testModelID, Prompt: "first",
			Parameters: protocol.Parameters{MaxTokens: 50, Temperature: 0, TopP: 1, Stream: false},
		})).To(Succeed())

		second, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer second.close()

		Expect(second.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 11, ModelID: testModelID, Prompt: "second",
			Parameters: protocol.Parameters{MaxTokens: 1, Temperature: 0, TopP: 1, Stream: false},
		})).To(Succeed())

		frame, err := second.readFrame()
		Expect(err).NotTo(HaveOccurred())
		var errMsg protocol.ErrorMessage
		Expect(json.Unmarshal(frame, &errMsg)).To(Succeed())
		Expect(errMsg.Type).To(Equal(protocol.KindError))
		Expect(errMsg.Code).To(Equal(protocol.ErrCodeInternal))
		Expect(errMsg.Message).To(ContainSubstring("QueueFull"))
	})
})

var _ = Describe("graceful shutdown", func() {
	// S6: begin_shutdown rejects new admissions immediately, lets in-flight
	// requests finish naturally within the drain window, and the
	// coordinator reaches Stopped once await_drain reports Complete.
	It("drains in-flight requests to completion before stopping", func() {
		rt := startRuntime(defaultRuntimeOpts())
		defer rt.stop()

		client, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer client.close()

		Expect(client.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 20, ModelID: testModelID, Prompt: "drain me",
			Parameters: protocol.Parameters{MaxTokens: 8, Temperature: 0, TopP: 1, Stream: false},
		})).To(Succeed())

		rt.coordinator.BeginShutdown()

		rejected, err := dial(rt.socketPath)
		Expect(err).NotTo(HaveOccurred())
		defer rejected.close()
		Expect(rejected.send(protocol.InferenceRequest{
			Type: protocol.KindInferenceRequest, RequestID: 21, ModelID: testModelID, Prompt: "too late",
			Parameters: protocol.Parameters{MaxTokens: 1, Temperature: 0, TopP: 1, Stream: false},
		})).To(Succeed())
		frame, err := rejected.readFrame()
		Expect(err).NotTo(HaveOccurred())
		var errMsg protocol.ErrorMessage
		Expect(json.Unmarshal(frame, &errMsg)).To(Succeed())
		Expect(errMsg.Code).To(Equal(protocol.ErrCodeShuttingDown))

		frame, err = client.readFrame()
		Expect(err).NotTo(HaveOccurred())
		var resp protocol.InferenceResponse
		Expect(json.Unmarshal(frame, &resp)).To(Succeed())
		Expect(resp.Finished).To(BeTrue())

		result := rt.coordinator.AwaitDrain(2 * time.Second)
		Expect(result.String()).To(Equal("complete"))
		rt.coordinator.Stop()
	})
})
