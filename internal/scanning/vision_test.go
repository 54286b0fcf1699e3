package scanning

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/option"
)

var _ = Describe("Vision", func() {
	var (
		server *ghttp.Server
		logger *slog.Logger
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})

	AfterEach(func() {
		server.Close()
	})

	newVision := func(key string) *Vision {
		return NewVision(key, 5*time.Second, logger, option.WithEndpoint(server.URL()+"/"))
	}

	When("text is detected", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/v1/images:annotate"),
				ghttp.VerifyHeaderKV("x-goog-api-key", "vision-key"),
				func(w http.ResponseWriter, r *http.Request) {
					Expect(r.URL.Query().Get("key")).To(BeEmpty())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
					"responses": []any{
						map[string]any{"textAnnotations": []any{
							map[string]any{"description": "PADARIA SOL\nTOTAL 45,90"},
							map[string]any{"description": "PADARIA"},
						}},
					},
				}),
			))
		})

		It("should return the full text annotation", func() {
			text, ok := newVision("vision-key").ExtractText(context.Background(), []byte("img"))
			Expect(ok).To(BeTrue())
			Expect(text).To(Equal("PADARIA SOL\nTOTAL 45,90"))
		})
	})

	When("no text is detected", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]any{
				"responses": []any{map[string]any{}},
			}))
		})

		It("should succeed with empty text", func() {
			text, ok := newVision("vision-key").ExtractText(context.Background(), []byte("img"))
			Expect(ok).To(BeTrue())
			Expect(text).To(BeEmpty())
		})
	})

	When("the API fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`))
		})

		It("should report failure without an error", func() {
			text, ok := newVision("vision-key").ExtractText(context.Background(), []byte("img"))
			Expect(ok).To(BeFalse())
			Expect(text).To(BeEmpty())
		})
	})

	When("the API host is unreachable", func() {
		It("should not leak the API key into the logs", func() {
			var logs bytes.Buffer
			logger = slog.New(slog.NewTextHandler(&logs, nil))
			unreachable := NewVision("SUPERSECRETKEY", 2*time.Second, logger, option.WithEndpoint("http://127.0.0.1:1/"))

			_, ok := unreachable.ExtractText(context.Background(), []byte("img"))
			Expect(ok).To(BeFalse())
			Expect(logs.String()).To(ContainSubstring("Vision API error"))
			Expect(logs.String()).NotTo(ContainSubstring("SUPERSECRETKEY"))
		})
	})

	When("no API key is configured", func() {
		It("should skip the call", func() {
			_, ok := newVision("").ExtractText(context.Background(), []byte("img"))
			Expect(ok).To(BeFalse())
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})
})
