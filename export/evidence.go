// Package export - tamper evident evidence packages for record chains
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/hashing"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/alwitt/sigchain/export")

// EvidencePackage a self contained snapshot of a chain, with everything needed to re-verify it
type EvidencePackage struct {
	// ChainName the exported chain
	ChainName string `json:"chainName"`
	// ExportedAt export timestamp
	ExportedAt time.Time `json:"exportedAt"`
	// Report chain verification report at export time
	Report models.ChainReport `json:"report"`
	// Records the chain records, oldest first
	Records []models.SignedRecord `json:"records"`
	// PublicKeys the signing keys referenced by Records
	PublicKeys []models.SigningKey `json:"publicKeys"`
}

// Ref reference to a stored evidence package
type Ref struct {
	// URI object location
	URI string `json:"uri"`
	// Key object key within the store
	Key string `json:"key"`
	// Checksum sha256:<hex> of the stored bytes
	Checksum string `json:"checksum"`
	// Size stored size in bytes
	Size int64 `json:"size"`
}

// EvidenceExporter writes evidence packages to an object store
type EvidenceExporter interface {
	/*
		Export build and store an evidence package for a chain

			@param ctx context.Context - execution context
			@param chainName string - chain name
			@param report models.ChainReport - verification report of records
			@param records []models.SignedRecord - the chain records, oldest first
			@param signingKeys []models.SigningKey - known signing keys. Only those referenced by
				records are included.
			@returns reference to the stored package
	*/
	Export(
		ctx context.Context,
		chainName string,
		report models.ChainReport,
		records []models.SignedRecord,
		signingKeys []models.SigningKey,
	) (Ref, error)

	/*
		Fetch read back a stored evidence package, checking it against its checksum

			@param ctx context.Context - execution context
			@param ref Ref - reference returned by Export
			@returns the package
	*/
	Fetch(ctx context.Context, ref Ref) (EvidencePackage, error)
}

// evidenceExporterImpl implements EvidenceExporter
type evidenceExporterImpl struct {
	goutils.Component
	store ObjectStore
}

/*
NewEvidenceExporter define new evidence exporter

	@param store ObjectStore - where packages are written
	@returns exporter
*/
func NewEvidenceExporter(store ObjectStore) (EvidenceExporter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: evidence exporter needs an object store", models.ErrValidation)
	}
	logTags := log.Fields{"package": "sigchain", "module": "export", "component": "evidence-exporter"}
	return &evidenceExporterImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		store: store,
	}, nil
}

// checksumOf sha256:<hex> of data
func checksumOf(data []byte) string {
	return "sha256:" + hashing.Digest(data)
}

// referencedKeys the keys used by records, ordered by version
func referencedKeys(
	records []models.SignedRecord, signingKeys []models.SigningKey,
) []models.SigningKey {
	used := map[uint]bool{}
	for _, record := range records {
		used[record.KeyVersion] = true
	}
	result := []models.SigningKey{}
	for _, key := range signingKeys {
		if used[key.Version] {
			result = append(result, key)
			delete(used, key.Version)
		}
	}
	slices.SortFunc(result, func(a, b models.SigningKey) int {
		return int(a.Version) - int(b.Version)
	})
	return result
}

func (e *evidenceExporterImpl) Export(
	ctx context.Context,
	chainName string,
	report models.ChainReport,
	records []models.SignedRecord,
	signingKeys []models.SigningKey,
) (Ref, error) {
	ctx, span := tracer.Start(ctx, "sigchain.export_evidence",
		trace.WithAttributes(
			attribute.String("chain.name", chainName),
			attribute.Int("chain.length", len(records)),
		),
	)
	defer span.End()

	fail := func(err error) (Ref, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evidence export failed")
		return Ref{}, err
	}

	if chainName == "" {
		return fail(fmt.Errorf("%w: chain name is required", models.ErrValidation))
	}
	if report.TotalRecords != len(records) {
		return fail(fmt.Errorf(
			"%w: report covers %d records, package has %d",
			models.ErrValidation, report.TotalRecords, len(records),
		))
	}

	if records == nil {
		records = []models.SignedRecord{}
	}
	evidence := EvidencePackage{
		ChainName:  chainName,
		ExportedAt: time.Now().UTC(),
		Report:     report,
		Records:    records,
		PublicKeys: referencedKeys(records, signingKeys),
	}

	payload, err := hashing.CanonicalJSON(evidence)
	if err != nil {
		return fail(fmt.Errorf("failed to encode evidence of chain '%s' [%w]", chainName, err))
	}

	key := fmt.Sprintf("evidence/%s/%s.json", url.PathEscape(chainName), ulid.Make().String())
	size, err := e.store.PutObject(ctx, key, payload, "application/json")
	if err != nil {
		return fail(fmt.Errorf("failed to store evidence of chain '%s' [%w]", chainName, err))
	}

	ref := Ref{
		URI:      e.store.Location(key),
		Key:      key,
		Checksum: checksumOf(payload),
		Size:     size,
	}

	log.WithFields(e.LogTags).
		WithField("chain", chainName).
		WithField("uri", ref.URI).
		WithField("valid", report.Valid).
		Info("Exported chain evidence")

	return ref, nil
}

func (e *evidenceExporterImpl) Fetch(ctx context.Context, ref Ref) (EvidencePackage, error) {
	payload, err := e.store.GetObject(ctx, ref.Key)
	if err != nil {
		return EvidencePackage{}, fmt.Errorf("failed to read evidence %s [%w]", ref.URI, err)
	}

	if checksum := checksumOf(payload); checksum != ref.Checksum {
		return EvidencePackage{}, fmt.Errorf(
			"%w: evidence %s has %s, expected %s", models.ErrEvidenceCorrupted, ref.URI, checksum, ref.Checksum,
		)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var evidence EvidencePackage
	if err := decoder.Decode(&evidence); err != nil {
		return EvidencePackage{}, fmt.Errorf(
			"%w: evidence %s is not parsable [%w]", models.ErrEncoding, ref.URI, err,
		)
	}

	return evidence, nil
}
