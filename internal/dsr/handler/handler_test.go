package handler

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custodia/internal/audit"
	"custodia/internal/dsr"
	"custodia/internal/integrity"
	"custodia/internal/kms"
	"custodia/internal/pseudonym"
	"custodia/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	events *audit.InMemoryStore
	router chi.Router
}

func (s *HandlerSuite) SetupTest() {
	s.events = audit.NewInMemoryStore()

	local, err := kms.NewLocal("test-key-secret")
	s.Require().NoError(err)

	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	processor, err := dsr.NewProcessor(
		s.events, pseudonym.NewInMemoryStore(), writer, local,
		dsr.NewPassthroughTxRunner(), "test-salt", slog.Default(),
	)
	s.Require().NoError(err)

	h := New(processor, slog.Default())
	s.router = chi.NewRouter()
	h.RegisterExport(s.router)
	h.RegisterPrivileged(s.router)
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) seed(principal, action string) {
	err := s.events.Append(context.Background(), &audit.Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().Add(-time.Hour),
		PrincipalID:        principal,
		Action:             action,
		Status:             audit.StatusSuccess,
		DataClassification: audit.ClassificationInternal,
		EventVersion:       audit.CurrentEventVersion,
	})
	s.Require().NoError(err)
}

func (s *HandlerSuite) TestExport() {
	s.seed("alice", "doc.read")
	s.seed("alice", "doc.write")

	s.Run("serves csv with export headers", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/v1/dsr/export?principalId=alice&format=csv")
		rr := testutil.DoRequest(s.router, testutil.WithSubject(req, "dpo@example.com"))

		testutil.AssertStatusOK(s.T(), rr)
		s.Equal("text/csv", rr.Header().Get("Content-Type"))
		s.Equal("2", rr.Header().Get("X-Export-Record-Count"))
		s.NotEmpty(rr.Header().Get("X-Export-Request-Id"))
	})

	s.Run("rejects unknown format", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/v1/dsr/export?principalId=alice&format=yaml")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "unsupported_format")
	})

	s.Run("rejects missing principal", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/v1/dsr/export")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})
}

func (s *HandlerSuite) TestPseudonymizeAndReverseLookup() {
	s.seed("alice", "doc.read")

	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/v1/dsr/pseudonymize",
		map[string]string{"principalId": "alice", "strategy": "hash"})
	rr := testutil.DoRequest(s.router, req)
	testutil.AssertStatusOK(s.T(), rr)

	result := testutil.UnmarshalResponse[dsr.PseudonymizationResult](s.T(), rr)
	s.Equal(int64(1), result.RecordsAffected)
	s.NotEmpty(result.PseudonymID)

	s.Run("reverse lookup resolves", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/v1/dsr/reverse-lookup/"+result.PseudonymID)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "originalId", "alice")
	})

	s.Run("unknown pseudonym is 404", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/v1/dsr/reverse-lookup/pseudo-nope")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
		testutil.AssertJSONContains(s.T(), rr, "found", false)
	})
}

func (s *HandlerSuite) TestErase() {
	s.seed("alice", "doc.read")
	s.seed("alice", "auth.login.success")

	req := testutil.NewRequest(s.T(), http.MethodDelete, "/v1/dsr/principals/alice")
	rr := testutil.DoRequest(s.router, testutil.WithSubject(req, "dpo@example.com"))
	testutil.AssertStatusOK(s.T(), rr)

	result := testutil.UnmarshalResponse[dsr.ErasureResult](s.T(), rr)
	s.Equal(int64(1), result.RecordsDeleted)
	s.Equal(int64(1), result.ComplianceRecordsPreserved)

	s.Run("preservation can be disabled", func() {
		s.seed("bob", "auth.login.success")
		req := testutil.NewRequest(s.T(), http.MethodDelete, "/v1/dsr/principals/bob?preserveCompliance=false")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)

		result := testutil.UnmarshalResponse[dsr.ErasureResult](s.T(), rr)
		s.Equal(int64(1), result.RecordsDeleted)
		s.Zero(result.ComplianceRecordsPreserved)
	})
}
