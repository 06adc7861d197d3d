package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"intake-agent-go/internal/config"
	"intake-agent-go/internal/constants"
	"intake-agent-go/internal/costguard"
	"intake-agent-go/internal/dedup"
	"intake-agent-go/internal/retry"
	"intake-agent-go/internal/storage/models"
	"intake-agent-go/internal/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------- 测试替身 ----------

type fakeObjectStore struct {
	objects   []types.FileObject
	contents  map[string][]byte
	listCalls int
	getCalls  int
	listErr   error
}

func (f *fakeObjectStore) ListBatchObjects(ctx context.Context, batchID string) ([]types.FileObject, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.objects, nil
}

func (f *fakeObjectStore) GetObjectWithMD5(ctx context.Context, objectPath string) ([]byte, string, error) {
	f.getCalls++
	data, ok := f.contents[objectPath]
	if !ok {
		return nil, "", fmt.Errorf("对象不存在: %s", objectPath)
	}
	return data, "md5-" + objectPath, nil
}

type fakeExtractor struct {
	texts map[string]string
	calls int
	fail  map[string]error
}

func (f *fakeExtractor) Extract(ctx context.Context, data []byte, fileName string) (string, error) {
	f.calls++
	if err, ok := f.fail[fileName]; ok {
		return "", err
	}
	return f.texts[fileName], nil
}

type fakeClassifier struct {
	results map[string]types.Classification
	calls   int
}

func (f *fakeClassifier) Classify(ctx context.Context, text, fileName string) (types.Classification, error) {
	f.calls++
	if result, ok := f.results[fileName]; ok {
		return result, nil
	}
	return types.Classification{DocumentType: constants.DocTypeCV, Confidence: 0.9, ShouldProcess: true}, nil
}

type fakeParser struct {
	quickByText map[string]types.QuickProfile
	full        types.CandidateProfile
	fullErr     error
	quickCalls  int
	fullCalls   int
}

func (f *fakeParser) QuickParse(ctx context.Context, text string) (types.QuickProfile, error) {
	f.quickCalls++
	return f.quickByText[text], nil
}

func (f *fakeParser) FullParse(ctx context.Context, combinedText string) (types.CandidateProfile, error) {
	f.fullCalls++
	if f.fullErr != nil {
		return types.CandidateProfile{}, f.fullErr
	}
	return f.full, nil
}

type fakeBatchStore struct {
	batch        *models.IntakeBatch
	claimOK      bool
	claimCalls   int
	finalStatus  string
	finalCount   int
	recoveryNote string
}

func (f *fakeBatchStore) GetBatch(ctx context.Context, batchID string) (*models.IntakeBatch, error) {
	if f.batch == nil {
		return nil, nil
	}
	copied := *f.batch
	return &copied, nil
}

func (f *fakeBatchStore) ClaimBatch(ctx context.Context, batchID string, staleBefore time.Time) (bool, error) {
	f.claimCalls++
	return f.claimOK, nil
}

func (f *fakeBatchStore) FinalizeBatch(ctx context.Context, batchID string, status string, processedCount int) error {
	f.finalStatus = status
	f.finalCount = processedCount
	return nil
}

func (f *fakeBatchStore) UpdateBatchRecoveryNote(ctx context.Context, batchID string, note string) error {
	f.recoveryNote = note
	return nil
}

type fakeFileStore struct {
	rows    map[string]models.IntakeFile
	upserts []models.IntakeFile
}

func (f *fakeFileStore) UpsertFile(ctx context.Context, file *models.IntakeFile) error {
	if f.rows == nil {
		f.rows = make(map[string]models.IntakeFile)
	}
	f.rows[file.FilePath] = *file
	f.upserts = append(f.upserts, *file)
	return nil
}

func (f *fakeFileStore) ListBatchFiles(ctx context.Context, batchID string) ([]models.IntakeFile, error) {
	var rows []models.IntakeFile
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

// finalStatusOf 返回某文件最后一次落库的状态行
func (f *fakeFileStore) finalStatusOf(path string) (models.IntakeFile, bool) {
	row, ok := f.rows[path]
	return row, ok
}

type fakeCandidateStore struct {
	created    []*models.CandidateRecord
	synced     map[string]string
	syncFailed map[string]string
}

func (f *fakeCandidateStore) CreateCandidateRecord(ctx context.Context, record *models.CandidateRecord) error {
	if record.CandidateID == "" {
		record.CandidateID = fmt.Sprintf("cand-%d", len(f.created)+1)
	}
	f.created = append(f.created, record)
	return nil
}

func (f *fakeCandidateStore) MarkCandidateSynced(ctx context.Context, candidateID, crmContactID string) error {
	if f.synced == nil {
		f.synced = make(map[string]string)
	}
	f.synced[candidateID] = crmContactID
	return nil
}

func (f *fakeCandidateStore) MarkCandidateSyncFailed(ctx context.Context, candidateID, syncErr string) error {
	if f.syncFailed == nil {
		f.syncFailed = make(map[string]string)
	}
	f.syncFailed[candidateID] = syncErr
	return nil
}

type fakeHoldStore struct {
	entries []*models.HoldQueueEntry
}

func (f *fakeHoldStore) EnqueueHold(ctx context.Context, entry *models.HoldQueueEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeHoldStore) CountBatchHolds(ctx context.Context, batchID string) (int64, error) {
	var count int64
	for _, e := range f.entries {
		if e.BatchID == batchID {
			count++
		}
	}
	return count, nil
}

type fakeDuplicateFinder struct {
	match     *dedup.Match
	err       error
	calls     int
	lastEmail string
	lastPhone string
}

func (f *fakeDuplicateFinder) FindMatch(ctx context.Context, email, phone string) (*dedup.Match, error) {
	f.calls++
	f.lastEmail = email
	f.lastPhone = phone
	return f.match, f.err
}

type fakeAdmission struct {
	decision costguard.Decision
	calls    int
}

func (f *fakeAdmission) Evaluate(ctx context.Context, fileCount int) costguard.Decision {
	f.calls++
	return f.decision
}

type fakeSyncGateway struct {
	contactID   string
	createErr   error
	createCalls int
	uploads     []string
}

func (f *fakeSyncGateway) CreateContact(ctx context.Context, profile types.CandidateProfile) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.contactID, nil
}

func (f *fakeSyncGateway) UploadFile(ctx context.Context, contactID string, data []byte, fileName string) (string, error) {
	f.uploads = append(f.uploads, fileName)
	return "https://crm.example.com/files/" + fileName, nil
}

type fakeContentDedup struct {
	existing map[string]bool
	added    []string
}

func (f *fakeContentDedup) CheckRawFileMD5Exists(ctx context.Context, md5Hex string) (bool, error) {
	return f.existing[md5Hex], nil
}

func (f *fakeContentDedup) AddRawFileMD5(ctx context.Context, md5Hex string) error {
	f.added = append(f.added, md5Hex)
	return nil
}

// ---------- 测试脚手架 ----------

type fixture struct {
	cfg        *config.IntakeConfig
	objects    *fakeObjectStore
	extractor  *fakeExtractor
	classifier *fakeClassifier
	parser     *fakeParser
	batches    *fakeBatchStore
	files      *fakeFileStore
	candidates *fakeCandidateStore
	holds      *fakeHoldStore
	duplicates *fakeDuplicateFinder
	admission  *fakeAdmission
	sync       *fakeSyncGateway
	dedup      *fakeContentDedup
}

func newFixture() *fixture {
	return &fixture{
		cfg: &config.IntakeConfig{
			MaxFileSizeBytes:        10 << 20,
			MinTextLength:           10,
			MaxFilesPerPack:         5,
			AllowSingletonPack:      true,
			IsolatePackFailures:     true,
			PerFileAllowanceSeconds: 60,
			FixedBufferSeconds:      120,
			AbsoluteCeilingSeconds:  3600,
		},
		objects:    &fakeObjectStore{contents: make(map[string][]byte)},
		extractor:  &fakeExtractor{texts: make(map[string]string), fail: make(map[string]error)},
		classifier: &fakeClassifier{results: make(map[string]types.Classification)},
		parser:     &fakeParser{quickByText: make(map[string]types.QuickProfile)},
		batches: &fakeBatchStore{
			batch: &models.IntakeBatch{
				BatchID:   "batch-1",
				Status:    constants.BatchStatusPending,
				UpdatedAt: time.Now(),
			},
			claimOK: true,
		},
		files:      &fakeFileStore{rows: make(map[string]models.IntakeFile)},
		candidates: &fakeCandidateStore{},
		holds:      &fakeHoldStore{},
		duplicates: &fakeDuplicateFinder{},
		admission:  &fakeAdmission{decision: costguard.Decision{Allowed: true}},
		sync:       &fakeSyncGateway{contactID: "crm-contact-1"},
		dedup:      &fakeContentDedup{existing: make(map[string]bool)},
	}
}

// addFile 挂一个文件的完整流水脚本: 对象→文本→分类→快速身份
func (f *fixture) addFile(path, name, docType string, quick types.QuickProfile) {
	f.objects.objects = append(f.objects.objects, types.FileObject{Name: name, Path: path, Size: 1024})
	f.objects.contents[path] = []byte("binary of " + name)
	text := "extracted text of " + name + strings.Repeat(" lorem ipsum", 10)
	f.extractor.texts[name] = text
	f.classifier.results[name] = types.Classification{DocumentType: docType, Confidence: 0.95, ShouldProcess: true}
	f.parser.quickByText[text] = quick
	f.batches.batch.FileCount = len(f.objects.objects)
}

func (f *fixture) build() *Orchestrator {
	return NewOrchestrator(
		f.cfg,
		Dependencies{
			Objects:    f.objects,
			Extractor:  f.extractor,
			Classifier: f.classifier,
			Parser:     f.parser,
			Batches:    f.batches,
			Files:      f.files,
			Candidates: f.candidates,
			Holds:      f.holds,
			Duplicates: f.duplicates,
			Admission:  f.admission,
		},
		retry.NewPolicy(1, time.Millisecond, time.Millisecond, 0, nil),
		zerolog.Nop(),
		WithSyncGateway(f.sync),
		WithContentDedup(f.dedup),
	)
}

// ---------- 用例 ----------

func TestProcessBatch_SingleCVHappyPath(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/alice_cv.pdf", "alice_cv.pdf", constants.DocTypeCV, types.QuickProfile{
		Email:    "Alice@Example.com",
		FullName: "Alice Smith",
	})
	f.parser.full = types.CandidateProfile{FullName: "Alice Smith", Email: "alice@example.com", Skills: []string{"Go"}}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err, "健康路径不应返回错误")

	assert.Equal(t, constants.BatchStatusComplete, result.Status, "批次应完成")
	assert.Equal(t, 1, result.Candidates, "应产出一个候选人")
	assert.Equal(t, constants.BatchStatusComplete, f.batches.finalStatus)
	assert.Equal(t, 1, f.batches.finalCount, "处理计数应为1")

	require.Len(t, f.candidates.created, 1)
	record := f.candidates.created[0]
	assert.Equal(t, constants.CandidateStatusPendingSync, record.Status, "候选人初始状态应为pending_sync")
	assert.Equal(t, "alice@example.com", record.PrimaryEmail, "主邮箱应归一化")

	row, ok := f.files.finalStatusOf("batch-1/alice_cv.pdf")
	require.True(t, ok, "应有文件状态行")
	assert.Equal(t, constants.FileStatusComplete, row.Status)
	assert.Equal(t, record.CandidateID, row.CandidateID, "文件应回链候选人")

	assert.Equal(t, "crm-contact-1", f.candidates.synced[record.CandidateID], "同步成功应回填联系人ID")
	assert.Contains(t, f.dedup.added, "md5-batch-1/alice_cv.pdf", "持久化后应登记内容MD5")
}

func TestProcessBatch_CVAndCoverLetterFormOnePack(t *testing.T) {
	f := newFixture()
	quick := types.QuickProfile{Email: "bob@example.com", FullName: "Bob Jones"}
	f.addFile("batch-1/bob_cover.pdf", "bob_cover.pdf", constants.DocTypeCoverLetter, quick)
	f.addFile("batch-1/bob_cv.pdf", "bob_cv.pdf", constants.DocTypeCV, quick)
	f.parser.full = types.CandidateProfile{FullName: "Bob Jones", Email: "bob@example.com"}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Candidates, "同一邮箱的两个文件应归入一个包")
	assert.Equal(t, 1, f.parser.fullCalls, "每包只做一次完整解析")

	require.Len(t, f.candidates.created, 1)
	var docs []types.DocumentMeta
	require.NoError(t, json.Unmarshal(f.candidates.created[0].DocumentsJSON, &docs))
	require.Len(t, docs, 2, "候选人应挂两份文档")
	assert.Equal(t, constants.DocTypeCV, docs[0].DocumentType, "简历应排在文档列表首位")

	assert.Len(t, f.sync.uploads, 2, "两份文件都应上传到外部系统")
}

func TestProcessBatch_AdmissionRejectedBeforeAnyRead(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{Email: "x@y.com"})
	f.admission.decision = costguard.Decision{Allowed: false, Reason: "daily call ceiling exceeded", EstimatedCalls: 3000}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdmissionRejected, "应返回准入拒绝错误")

	assert.Equal(t, constants.BatchStatusFailed, result.Status)
	assert.Equal(t, constants.BatchStatusFailed, f.batches.finalStatus, "准入拒绝批次直接失败")
	assert.Equal(t, 0, f.objects.listCalls, "拒绝发生在读取任何文件之前")
	assert.Equal(t, 0, f.extractor.calls, "不应触发任何提取调用")
}

func TestProcessBatch_NoIdentitySignalsFailsBatch(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/blank.pdf", "blank.pdf", constants.DocTypeCV, types.QuickProfile{})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, constants.BatchStatusFailed, result.Status, "零身份信号且无候选人时批次失败")
	assert.Equal(t, 0, result.Candidates)

	row, ok := f.files.finalStatusOf("batch-1/blank.pdf")
	require.True(t, ok)
	assert.Equal(t, constants.FileStatusFailed, row.Status)
	assert.Equal(t, constants.ReasonInsufficientIdentity, row.ErrorMessage, "失败原因应为身份信息不足")
}

func TestProcessBatch_TerminalBatchIsIdempotentNoop(t *testing.T) {
	f := newFixture()
	f.batches.batch.Status = constants.BatchStatusComplete
	f.batches.batch.ProcessedCount = 3
	f.batches.batch.FileCount = 3

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped, "终态批次应幂等空转")
	assert.Equal(t, constants.BatchStatusComplete, result.Status)
	assert.Equal(t, 3, result.ProcessedFiles)
	assert.Equal(t, 0, f.batches.claimCalls, "不应尝试认领")
	assert.Equal(t, 0, f.objects.listCalls)
}

func TestProcessBatch_AllFilesTerminalSkipsExternalCalls(t *testing.T) {
	f := newFixture()
	f.batches.batch.FileCount = 2
	f.files.rows["batch-1/a.pdf"] = models.IntakeFile{BatchID: "batch-1", FilePath: "batch-1/a.pdf", Status: constants.FileStatusComplete}
	f.files.rows["batch-1/b.pdf"] = models.IntakeFile{BatchID: "batch-1", FilePath: "batch-1/b.pdf", Status: constants.FileStatusRejected}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, constants.BatchStatusComplete, result.Status)
	assert.Equal(t, 2, result.ProcessedFiles, "空转结果仍报告全量文件数")
	assert.Equal(t, 0, f.objects.listCalls, "全文件终态时零外部调用")
	assert.Equal(t, 0, f.extractor.calls)
	assert.Equal(t, 0, f.classifier.calls)
}

func TestProcessBatch_AwaitingInputBatchNotReclaimed(t *testing.T) {
	f := newFixture()
	f.batches.batch.Status = constants.BatchStatusAwaitingInput
	f.batches.batch.FileCount = 1
	f.files.rows["batch-1/cover.pdf"] = models.IntakeFile{BatchID: "batch-1", FilePath: "batch-1/cover.pdf", Status: constants.FileStatusComplete}
	f.holds.entries = append(f.holds.entries, &models.HoldQueueEntry{BatchID: "batch-1", Reason: constants.HoldReasonMissingCVFile})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped, "等待人工裁决的批次重投递应幂等空转")
	assert.Equal(t, constants.BatchStatusAwaitingInput, result.Status)
	assert.Equal(t, 0, f.batches.claimCalls, "不应重新认领")
	assert.Empty(t, f.batches.finalStatus, "不应改写批次终态")
}

func TestProcessBatch_AllFilesTerminalPreservesHoldVerdict(t *testing.T) {
	f := newFixture()
	f.batches.batch.FileCount = 1
	f.files.rows["batch-1/cover.pdf"] = models.IntakeFile{BatchID: "batch-1", FilePath: "batch-1/cover.pdf", Status: constants.FileStatusComplete}
	f.holds.entries = append(f.holds.entries, &models.HoldQueueEntry{BatchID: "batch-1", Reason: constants.HoldReasonMissingCVFile})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, constants.BatchStatusAwaitingInput, result.Status, "存在待处理队列条目时不得判定complete")
	assert.Equal(t, constants.BatchStatusAwaitingInput, f.batches.finalStatus)
	assert.Equal(t, 0, f.objects.listCalls, "全文件终态时仍零外部调用")
}

func TestProcessBatch_HealthyRunNotPreempted(t *testing.T) {
	f := newFixture()
	f.batches.batch.Status = constants.BatchStatusProcessing
	f.batches.batch.FileCount = 5
	f.batches.batch.UpdatedAt = time.Now()

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped, "健康运行中的批次不应被抢占")
	assert.Equal(t, 0, f.batches.claimCalls)
	assert.Empty(t, f.batches.recoveryNote, "不应写恢复标记")
}

func TestProcessBatch_TimedOutRunIsRecovered(t *testing.T) {
	f := newFixture()
	f.cfg.PerFileAllowanceSeconds = 1
	f.cfg.FixedBufferSeconds = 1
	f.cfg.AbsoluteCeilingSeconds = 10
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{Email: "c@d.com"})
	f.batches.batch.Status = constants.BatchStatusProcessing
	f.batches.batch.UpdatedAt = time.Now().Add(-2 * time.Hour)
	f.parser.full = types.CandidateProfile{Email: "c@d.com"}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.NotEmpty(t, f.batches.recoveryNote, "超时恢复应留下标记")
	assert.Contains(t, f.batches.recoveryNote, "timed out")
	assert.Equal(t, 1, f.batches.claimCalls, "超时批次应被重新认领")
	assert.False(t, result.Skipped)
	assert.Equal(t, constants.BatchStatusComplete, result.Status)
}

func TestProcessBatch_MissingCVRoutesToHoldQueue(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cover.pdf", "cover.pdf", constants.DocTypeCoverLetter, types.QuickProfile{Email: "e@f.com"})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, constants.BatchStatusAwaitingInput, result.Status, "有待定包时批次等待输入")
	assert.Equal(t, 1, result.HeldPacks)
	require.Len(t, f.holds.entries, 1)
	assert.Equal(t, constants.HoldReasonMissingCVFile, f.holds.entries[0].Reason)
	assert.NotEmpty(t, f.holds.entries[0].PackSnapshotJSON, "队列条目应带包快照")
	assert.Empty(t, f.candidates.created, "待定包不产出候选人")
	assert.Equal(t, 0, f.parser.fullCalls, "待定包不触发完整解析")
}

func TestProcessBatch_MissingContactInfoRoutesToHoldQueue(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{FullName: "Carol White"})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.HeldPacks)
	require.Len(t, f.holds.entries, 1)
	assert.Equal(t, constants.HoldReasonMissingContactInfo, f.holds.entries[0].Reason, "仅有姓名的包应以缺失联系方式入队")
	assert.Equal(t, 0, f.duplicates.calls, "没有联系渠道时不做查重")
}

func TestProcessBatch_DuplicateDetectedRoutesToHoldQueue(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{Email: "dup@example.com"})
	f.duplicates.match = &dedup.Match{Source: dedup.SourceCRM, ID: "crm-42", UpdatedAt: time.Now()}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, constants.BatchStatusAwaitingInput, result.Status)
	require.Len(t, f.holds.entries, 1)
	assert.Equal(t, constants.HoldReasonDuplicateDetected, f.holds.entries[0].Reason)
	assert.Empty(t, f.candidates.created, "命中重复绝不自动建档")
	assert.Equal(t, 0, f.sync.createCalls, "命中重复不写外部系统")
	assert.Equal(t, "dup@example.com", f.duplicates.lastEmail)
}

func TestProcessBatch_StudentExcluded(t *testing.T) {
	f := newFixture()
	f.cfg.ExcludeStudents = true
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{
		Email:     "stu@uni.edu",
		IsStudent: true,
	})

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	require.Len(t, f.holds.entries, 1)
	assert.Equal(t, constants.HoldReasonStudentExcluded, f.holds.entries[0].Reason)

	row, _ := f.files.finalStatusOf("batch-1/cv.pdf")
	assert.Equal(t, constants.FileStatusRejected, row.Status, "被排除的学生文件应标记为rejected")
	assert.Equal(t, 1, result.RejectedFiles)
}

func TestProcessBatch_MissingRequiredSkills(t *testing.T) {
	f := newFixture()
	f.cfg.RequiredSkills = []string{"Go", "Kubernetes"}
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{
		Email:  "g@h.com",
		Skills: []string{"go"},
	})

	_, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	require.Len(t, f.holds.entries, 1)
	assert.Equal(t, constants.HoldReasonMissingRequiredSkills, f.holds.entries[0].Reason)

	row, _ := f.files.finalStatusOf("batch-1/cv.pdf")
	assert.Equal(t, constants.FileStatusRejected, row.Status)
	assert.Contains(t, row.ErrorMessage, "Kubernetes", "拒绝原因应列出缺失技能")
	assert.NotContains(t, row.ErrorMessage, "Go", "大小写不同的已有技能不算缺失")
}

func TestProcessBatch_SyncFailureDegradesNotRollsBack(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{Email: "i@j.com"})
	f.parser.full = types.CandidateProfile{Email: "i@j.com"}
	f.sync.createErr = errors.New("crm offline")

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err, "同步失败不应导致批次报错")

	assert.Equal(t, constants.BatchStatusComplete, result.Status, "同步失败只降级候选人，批次仍完成")
	assert.Equal(t, 1, result.Candidates)

	require.Len(t, f.candidates.created, 1)
	candidateID := f.candidates.created[0].CandidateID
	assert.Contains(t, f.candidates.syncFailed[candidateID], "crm offline", "降级原因应保留")
	assert.Empty(t, f.candidates.synced, "不应标记为已同步")

	row, _ := f.files.finalStatusOf("batch-1/cv.pdf")
	assert.Equal(t, constants.FileStatusComplete, row.Status, "源头写入成功的文件保持complete")
}

func TestProcessBatch_DuplicateContentRejectedBeforeExtraction(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/copy.pdf", "copy.pdf", constants.DocTypeCV, types.QuickProfile{Email: "k@l.com"})
	f.dedup.existing["md5-batch-1/copy.pdf"] = true

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, 0, f.extractor.calls, "重复内容的文件不应进入提取")
	assert.Equal(t, 1, result.RejectedFiles)

	row, _ := f.files.finalStatusOf("batch-1/copy.pdf")
	assert.Equal(t, constants.FileStatusRejected, row.Status)
	assert.Equal(t, constants.ReasonDuplicateFileContent, row.ErrorMessage)
}

func TestProcessBatch_TerminalFileRowsSkippedOnRerun(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/done.pdf", "done.pdf", constants.DocTypeCV, types.QuickProfile{Email: "m@n.com"})
	f.addFile("batch-1/fresh.pdf", "fresh.pdf", constants.DocTypeCV, types.QuickProfile{Email: "o@p.com"})
	f.files.rows["batch-1/done.pdf"] = models.IntakeFile{
		BatchID:  "batch-1",
		FilePath: "batch-1/done.pdf",
		Status:   constants.FileStatusComplete,
	}
	f.parser.full = types.CandidateProfile{Email: "o@p.com"}

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.extractor.calls, "已终态的文件重跑时不再提取")
	assert.Equal(t, 1, result.Candidates, "仅新文件产出候选人")
	assert.Equal(t, 2, result.ProcessedFiles, "终态文件计入处理总数")
}

func TestProcessBatch_BatchNotFound(t *testing.T) {
	f := newFixture()
	f.batches.batch = nil

	_, err := f.build().ProcessBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestProcessBatch_ClaimLostToConcurrentRun(t *testing.T) {
	f := newFixture()
	f.addFile("batch-1/cv.pdf", "cv.pdf", constants.DocTypeCV, types.QuickProfile{Email: "q@r.com"})
	f.batches.claimOK = false

	result, err := f.build().ProcessBatch(context.Background(), "batch-1")
	require.NoError(t, err)

	assert.True(t, result.Skipped, "认领失败应让路给并发运行")
	assert.Equal(t, 0, f.objects.listCalls)
	assert.Equal(t, 0, f.extractor.calls, "不应触发提取")
}
