package pipeline

// Stage is a bit in a node's enabled-stage bitmask. Bits are ordered by
// execution: the dispatcher always advances to the next set bit above the
// current one, so a stage may rewind (shift down one) to rerun itself but
// can never jump backward past a completed stage.
type Stage uint32

const (
	StageOpen Stage = 1 << iota
	StageReadBPInit
	StageWriteBPInit
	StageFreeBPInit
	StageIssueAsync
	StageWriteCompress
	StageEncrypt
	StageChecksumGenerate
	StageNopWrite
	StageDDTReadStart
	StageDDTReadDone
	StageDDTWrite
	StageDDTFree
	StageGangAssemble
	StageGangIssue
	StageAllocThrottle
	StageAllocate
	StageFreeBlock
	StageClaimBlock
	StageReady
	StageDeviceIOStart
	StageDeviceIODone
	StageDeviceIOAssess
	StageChecksumVerify
	StageDone
)

// Stage groups and per-operation pipelines. Every pipeline contains
// StageDone; StageOpen is the initial stage of every node and is never
// dispatched.
const (
	stagesInterlock = StageOpen | StageReady | StageDone

	stagesVdevIO = StageDeviceIOStart | StageDeviceIODone | StageDeviceIOAssess

	stagesGang = StageGangAssemble | StageGangIssue

	pipelineInterlock = stagesInterlock

	pipelineRead = stagesInterlock | StageReadBPInit | stagesVdevIO |
		StageChecksumVerify

	pipelineDDTRead = stagesInterlock | StageReadBPInit |
		StageDDTReadStart | StageDDTReadDone

	pipelineWriteCommon = stagesInterlock | StageWriteBPInit |
		StageIssueAsync | StageWriteCompress | StageEncrypt |
		StageChecksumGenerate

	pipelineWrite = pipelineWriteCommon | StageAllocThrottle |
		StageAllocate | stagesVdevIO

	pipelineDDTWrite = pipelineWriteCommon | StageDDTWrite

	pipelineRewrite = stagesInterlock | StageWriteBPInit |
		StageWriteCompress | StageChecksumGenerate | stagesVdevIO

	pipelineFree = stagesInterlock | StageFreeBPInit | StageFreeBlock

	pipelineDDTFree = stagesInterlock | StageFreeBPInit | StageDDTFree

	pipelineClaim = stagesInterlock | StageClaimBlock

	pipelineDevice = stagesInterlock | stagesVdevIO

	pipelineVdevChild = stagesInterlock | stagesVdevIO

	pipelineVdevChildRead = pipelineVdevChild | StageReadBPInit |
		StageChecksumVerify
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageReadBPInit:
		return "read_bp_init"
	case StageWriteBPInit:
		return "write_bp_init"
	case StageFreeBPInit:
		return "free_bp_init"
	case StageIssueAsync:
		return "issue_async"
	case StageWriteCompress:
		return "write_compress"
	case StageEncrypt:
		return "encrypt"
	case StageChecksumGenerate:
		return "checksum_generate"
	case StageNopWrite:
		return "nop_write"
	case StageDDTReadStart:
		return "ddt_read_start"
	case StageDDTReadDone:
		return "ddt_read_done"
	case StageDDTWrite:
		return "ddt_write"
	case StageDDTFree:
		return "ddt_free"
	case StageGangAssemble:
		return "gang_assemble"
	case StageGangIssue:
		return "gang_issue"
	case StageAllocThrottle:
		return "alloc_throttle"
	case StageAllocate:
		return "allocate"
	case StageFreeBlock:
		return "free_block"
	case StageClaimBlock:
		return "claim_block"
	case StageReady:
		return "ready"
	case StageDeviceIOStart:
		return "device_io_start"
	case StageDeviceIODone:
		return "device_io_done"
	case StageDeviceIOAssess:
		return "device_io_assess"
	case StageChecksumVerify:
		return "checksum_verify"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// nextStage returns the lowest set bit in pipeline strictly above cur, or
// zero when none remains.
func nextStage(pipeline, cur Stage) Stage {
	for s := cur << 1; s != 0; s <<= 1 {
		if pipeline&s != 0 {
			return s
		}
	}
	return 0
}
