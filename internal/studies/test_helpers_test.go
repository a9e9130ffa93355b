package studies

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testUserID      = "user-1"
	otherTestUserID = "user-2"
)

var testNow = time.Unix(1700000000, 0).UTC()

// fakeSource serves studies from memory and counts content fetches.
type fakeSource struct {
	mu          sync.Mutex
	studies     []RemoteStudy
	contents    map[string]StudyContent
	failures    map[string]error
	listErr     error
	fetchCounts map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		contents:    make(map[string]StudyContent),
		failures:    make(map[string]error),
		fetchCounts: make(map[string]int),
	}
}

func (source *fakeSource) FetchStudies(_ context.Context, _ UserID) ([]RemoteStudy, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.listErr != nil {
		return nil, source.listErr
	}
	return append([]RemoteStudy(nil), source.studies...), nil
}

func (source *fakeSource) FetchStudyContent(_ context.Context, _ UserID, remoteID string) (StudyContent, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.fetchCounts[remoteID]++
	if err := source.failures[remoteID]; err != nil {
		return StudyContent{}, err
	}
	content, ok := source.contents[remoteID]
	if !ok {
		return StudyContent{}, fmt.Errorf("unknown study %s", remoteID)
	}
	return content, nil
}

func (source *fakeSource) fetchCount(remoteID string) int {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.fetchCounts[remoteID]
}

// lineParser reads one move per line as "origin destination [own]".
type lineParser struct{}

func (lineParser) ParseMoves(content string, side Side, _ bool) ([]MoveRecord, error) {
	records := make([]MoveRecord, 0)
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.New("malformed move line")
		}
		records = append(records, MoveRecord{
			Side:        side,
			Origin:      fields[0],
			Destination: fields[1],
			OwnMove:     len(fields) > 2 && fields[2] == "own",
		})
	}
	return records, nil
}

func (lineParser) GuessSide(content string) Side {
	if strings.Contains(content, "black") {
		return SideBlack
	}
	return SideWhite
}

func (lineParser) PreviewPosition(content string) string {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

type sequenceIDProvider struct {
	mu      sync.Mutex
	next    int
	failAt  int
	failErr error
}

func (provider *sequenceIDProvider) NewID() (string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.next++
	if provider.failAt > 0 && provider.next >= provider.failAt {
		return "", provider.failErr
	}
	return fmt.Sprintf("id-%04d", provider.next), nil
}

type testHarness struct {
	service *Service
	db      *gorm.DB
	source  *fakeSource
	ids     *sequenceIDProvider

	clockMu sync.Mutex
	now     time.Time
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "studies.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(Models()...))

	harness := &testHarness{db: database, source: newFakeSource(), ids: &sequenceIDProvider{}, now: testNow}
	service, err := NewService(ServiceConfig{
		Database:         database,
		Source:           harness.source,
		Parser:           lineParser{},
		IDProvider:       harness.ids,
		Clock:            harness.currentTime,
		FetchConcurrency: 3,
	})
	require.NoError(t, err)
	harness.service = service
	return harness
}

func (harness *testHarness) currentTime() time.Time {
	harness.clockMu.Lock()
	defer harness.clockMu.Unlock()
	return harness.now
}

func (harness *testHarness) setNow(now time.Time) {
	harness.clockMu.Lock()
	defer harness.clockMu.Unlock()
	harness.now = now
}

func (harness *testHarness) insertStudy(t *testing.T, study Study) Study {
	t.Helper()
	if study.UserID == "" {
		study.UserID = testUserID
	}
	if study.RemoteID == "" {
		study.RemoteID = "remote-" + study.ID
	}
	require.NoError(t, harness.db.Create(&study).Error)
	return study
}

func (harness *testHarness) reloadStudy(t *testing.T, studyID string) Study {
	t.Helper()
	var study Study
	require.NoError(t, harness.db.Where(queryStudyID, studyID).Take(&study).Error)
	return study
}

func (harness *testHarness) liveMoves(t *testing.T) []Move {
	t.Helper()
	var moves []Move
	require.NoError(t, harness.db.Where("deleted = ?", false).Order("origin_fen, destination_fen").Find(&moves).Error)
	return moves
}

func (harness *testHarness) allMoves(t *testing.T) []Move {
	t.Helper()
	var moves []Move
	require.NoError(t, harness.db.Order("origin_fen, destination_fen").Find(&moves).Error)
	return moves
}

func (harness *testHarness) edgesOf(t *testing.T, studyID string) []MoveOwner {
	t.Helper()
	var edges []MoveOwner
	require.NoError(t, harness.db.Where(queryStudyID, studyID).Find(&edges).Error)
	return edges
}

func (harness *testHarness) countRows(t *testing.T, model interface{}) int64 {
	t.Helper()
	var count int64
	require.NoError(t, harness.db.Model(model).Count(&count).Error)
	return count
}

func testUser(value string) UserID {
	return UserID(value)
}

func testStudy(value string) StudyID {
	return StudyID(value)
}
