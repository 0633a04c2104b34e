package dsr

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"custodia/internal/audit"
	"custodia/internal/integrity"
	"custodia/internal/kms"
	"custodia/internal/kms/mocks"
	"custodia/internal/pseudonym"
	dErrors "custodia/pkg/domain-errors"
)

type ProcessorSuite struct {
	suite.Suite
	events    *audit.InMemoryStore
	mappings  *pseudonym.InMemoryStore
	keys      kms.Service
	processor *Processor
}

func (s *ProcessorSuite) SetupTest() {
	s.events = audit.NewInMemoryStore()
	s.mappings = pseudonym.NewInMemoryStore()

	local, err := kms.NewLocal("test-key-secret")
	s.Require().NoError(err)
	s.keys = local

	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	s.processor, err = NewProcessor(
		s.events, s.mappings, writer, s.keys,
		NewPassthroughTxRunner(), "test-salt", slog.Default(),
	)
	s.Require().NoError(err)
}

func TestProcessorSuite(t *testing.T) {
	suite.Run(t, new(ProcessorSuite))
}

func (s *ProcessorSuite) seed(principal, action string, age time.Duration) {
	err := s.events.Append(context.Background(), &audit.Event{
		ID:                 uuid.New(),
		Timestamp:          time.Now().Add(-age),
		PrincipalID:        principal,
		OrganizationID:     "org-1",
		Action:             action,
		Status:             audit.StatusSuccess,
		DataClassification: audit.ClassificationConfidential,
		RetentionPolicy:    "confidential-2y",
		EventVersion:       audit.CurrentEventVersion,
	})
	s.Require().NoError(err)
}

func (s *ProcessorSuite) TestExportUserData() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 3*time.Hour)
	s.seed("alice", "auth.login.success", time.Hour)
	s.seed("bob", "doc.read", time.Hour)

	export, err := s.processor.ExportUserData(ctx, ExportRequest{
		PrincipalID:     "alice",
		Format:          FormatJSON,
		IncludeMetadata: true,
		RequestedBy:     "dpo@example.com",
	})
	s.Require().NoError(err)

	s.Equal(2, export.RecordCount)
	s.Equal(len(export.Data), export.DataSize)
	s.True(strings.HasPrefix(export.RequestID, "export-"))

	var payload struct {
		ExportMetadata *ExportMetadata  `json:"exportMetadata"`
		AuditLogs      []map[string]any `json:"auditLogs"`
	}
	s.Require().NoError(json.Unmarshal(export.Data, &payload))
	s.Len(payload.AuditLogs, 2)
	s.Require().NotNil(payload.ExportMetadata)
	s.Equal([]string{"auth.login.success", "doc.read"}, payload.ExportMetadata.ActionCategories)

	s.Run("export is itself audited", func() {
		selfLogs, err := s.events.Query(ctx, audit.Query{PrincipalID: ProcessorPrincipal})
		s.Require().NoError(err)
		s.Require().Len(selfLogs, 1)
		s.Equal(ActionExport, selfLogs[0].Action)
		s.Equal(audit.ClassificationSystem, selfLogs[0].DataClassification)
		s.NotContains(selfLogs[0].Details, "principalId")
		s.Contains(selfLogs[0].Details, "subjectIdHash")
	})

	s.Run("unknown format fails before any query", func() {
		_, err := s.processor.ExportUserData(ctx, ExportRequest{PrincipalID: "alice", Format: "yaml"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnsupportedFormat))
	})

	s.Run("missing principal is rejected", func() {
		_, err := s.processor.ExportUserData(ctx, ExportRequest{Format: FormatJSON})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ProcessorSuite) TestPseudonymizeUserData() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 3*time.Hour)
	s.seed("alice", "doc.write", 2*time.Hour)
	s.seed("bob", "doc.read", time.Hour)

	result, err := s.processor.PseudonymizeUserData(ctx, "alice", StrategyHash, "dpo@example.com")
	s.Require().NoError(err)
	s.Equal(int64(2), result.RecordsAffected)
	s.True(strings.HasPrefix(result.PseudonymID, "pseudo-"))

	s.Run("no record references the original principal", func() {
		n, err := s.events.CountByPrincipal(ctx, "alice")
		s.Require().NoError(err)
		s.Zero(n)
	})

	s.Run("rewritten records carry the marker", func() {
		rewritten, err := s.events.Query(ctx, audit.Query{PrincipalID: result.PseudonymID})
		s.Require().NoError(err)
		s.Require().Len(rewritten, 2)
		for _, e := range rewritten {
			s.True(e.Pseudonymized())
		}
	})

	s.Run("mapping resolves back to the original", func() {
		lookup, err := s.processor.GetOriginalID(ctx, result.PseudonymID)
		s.Require().NoError(err)
		s.True(lookup.Found)
		s.Equal("alice", lookup.OriginalID)
	})

	s.Run("hash strategy is deterministic and idempotent", func() {
		again, err := s.processor.PseudonymizeUserData(ctx, "alice", StrategyHash, "dpo@example.com")
		s.Require().NoError(err)
		s.Equal(result.PseudonymID, again.PseudonymID)
		s.Zero(again.RecordsAffected)
	})

	s.Run("self-log names the requester", func() {
		selfLogs, err := s.events.Query(ctx, audit.Query{PrincipalID: ProcessorPrincipal})
		s.Require().NoError(err)
		s.Require().NotEmpty(selfLogs)
		s.Equal("dpo@example.com", selfLogs[0].Details["requestedBy"])
	})

	s.Run("other principals untouched", func() {
		n, err := s.events.CountByPrincipal(ctx, "bob")
		s.Require().NoError(err)
		s.Equal(int64(1), n)
	})

	s.Run("unknown strategy is rejected", func() {
		_, err := s.processor.PseudonymizeUserData(ctx, "bob", Strategy("rot13"), "dpo@example.com")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ProcessorSuite) TestTokenStrategyIsRandom() {
	ctx := context.Background()
	s.seed("carol", "doc.read", time.Hour)

	first, err := s.processor.PseudonymizeUserData(ctx, "carol", StrategyToken, "dpo@example.com")
	s.Require().NoError(err)
	second, err := s.processor.PseudonymizeUserData(ctx, "carol", StrategyToken, "dpo@example.com")
	s.Require().NoError(err)
	s.NotEqual(first.PseudonymID, second.PseudonymID)

	// 16 random bytes, hex-encoded.
	s.Len(strings.TrimPrefix(first.PseudonymID, "pseudo-"), 32)
	s.Len(strings.TrimPrefix(second.PseudonymID, "pseudo-"), 32)
}

func (s *ProcessorSuite) TestDeleteUserDataWithAuditTrail() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 4*time.Hour)
	s.seed("alice", "doc.write", 3*time.Hour)
	s.seed("alice", "auth.login.success", 2*time.Hour)
	s.seed("alice", "access.unauthorized", time.Hour)

	total, err := s.events.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)

	result, err := s.processor.DeleteUserDataWithAuditTrail(ctx, "alice", "dpo@example.com", true)
	s.Require().NoError(err)

	s.Equal(int64(2), result.RecordsDeleted)
	s.Equal(int64(2), result.ComplianceRecordsPreserved)
	s.Equal(total, result.RecordsDeleted+result.ComplianceRecordsPreserved)
	s.NotEmpty(result.PseudonymID)

	s.Run("no record references the original principal", func() {
		n, err := s.events.CountByPrincipal(ctx, "alice")
		s.Require().NoError(err)
		s.Zero(n)
	})

	s.Run("survivors are allow-listed and pseudonymized", func() {
		survivors, err := s.events.Query(ctx, audit.Query{PrincipalID: result.PseudonymID})
		s.Require().NoError(err)
		s.Require().Len(survivors, 2)

		allowed := make(map[string]bool)
		for _, a := range ComplianceActions() {
			allowed[a] = true
		}
		for _, e := range survivors {
			s.True(allowed[e.Action])
			s.True(e.Pseudonymized())
		}
	})

	s.Run("erasure is itself audited", func() {
		selfLogs, err := s.events.Query(ctx, audit.Query{PrincipalID: ProcessorPrincipal})
		s.Require().NoError(err)
		s.Require().Len(selfLogs, 1)
		s.Equal(ActionErase, selfLogs[0].Action)
	})

	s.Run("preserved records remain reversible", func() {
		lookup, err := s.processor.GetOriginalID(ctx, result.PseudonymID)
		s.Require().NoError(err)
		s.True(lookup.Found)
		s.Equal("alice", lookup.OriginalID)
	})
}

func (s *ProcessorSuite) TestDeleteWithoutPreservationRemovesEverything() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 2*time.Hour)
	s.seed("alice", "auth.login.success", time.Hour)

	result, err := s.processor.DeleteUserDataWithAuditTrail(ctx, "alice", "dpo@example.com", false)
	s.Require().NoError(err)
	s.Equal(int64(2), result.RecordsDeleted)
	s.Zero(result.ComplianceRecordsPreserved)
	s.Empty(result.PseudonymID)

	n, err := s.events.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ProcessorSuite) TestDeleteWithNothingToPreserveSkipsMapping() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 2*time.Hour)
	s.seed("alice", "doc.write", time.Hour)

	ctrl := gomock.NewController(s.T())
	untouched := mocks.NewMockService(ctrl)
	// No Encrypt expectation: a principal without allow-listed events must
	// never reach key management.

	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	processor, err := NewProcessor(
		s.events, s.mappings, writer, untouched,
		NewPassthroughTxRunner(), "test-salt", slog.Default(),
	)
	s.Require().NoError(err)

	result, err := processor.DeleteUserDataWithAuditTrail(ctx, "alice", "dpo@example.com", true)
	s.Require().NoError(err)
	s.Equal(int64(2), result.RecordsDeleted)
	s.Zero(result.ComplianceRecordsPreserved)
	s.Empty(result.PseudonymID)

	n, err := s.events.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ProcessorSuite) TestGetOriginalID() {
	ctx := context.Background()

	s.Run("unknown pseudonym is not found, not an error", func() {
		lookup, err := s.processor.GetOriginalID(ctx, "pseudo-unknown")
		s.Require().NoError(err)
		s.False(lookup.Found)
		s.Empty(lookup.OriginalID)
	})

	s.Run("undecryptable mapping is not found, not an error", func() {
		s.Require().NoError(s.mappings.Create(ctx, &pseudonym.Mapping{
			PseudonymID: "pseudo-garbled",
			OriginalID:  "not-real-ciphertext",
			CreatedAt:   time.Now(),
		}))
		lookup, err := s.processor.GetOriginalID(ctx, "pseudo-garbled")
		s.Require().NoError(err)
		s.False(lookup.Found)
	})

	s.Run("empty pseudonym is rejected", func() {
		_, err := s.processor.GetOriginalID(ctx, "")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})
}

func (s *ProcessorSuite) TestEncryptFailureLeavesStoreUntouched() {
	ctx := context.Background()
	s.seed("alice", "doc.read", 2*time.Hour)
	s.seed("alice", "auth.login.success", time.Hour)

	ctrl := gomock.NewController(s.T())
	failing := mocks.NewMockService(ctrl)
	failing.EXPECT().Encrypt(gomock.Any(), gomock.Any()).
		Return("", errors.New("kms down")).Times(2)

	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	processor, err := NewProcessor(
		s.events, s.mappings, writer, failing,
		NewPassthroughTxRunner(), "test-salt", slog.Default(),
	)
	s.Require().NoError(err)

	_, err = processor.PseudonymizeUserData(ctx, "alice", StrategyHash, "dpo@example.com")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeKeyManagement))

	_, err = processor.DeleteUserDataWithAuditTrail(ctx, "alice", "dpo@example.com", true)
	s.Require().Error(err)

	n, err := s.events.CountByPrincipal(ctx, "alice")
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	_, err = s.mappings.Find(ctx, "pseudo-anything")
	s.Require().Error(err)
}

func (s *ProcessorSuite) TestSaltIsRequired() {
	writer := integrity.NewWriter(integrity.NewSealer(slog.Default()), s.events, slog.Default())
	_, err := NewProcessor(s.events, s.mappings, writer, s.keys, NewPassthroughTxRunner(), "", slog.Default())
	s.Require().Error(err)
}
