package constants

const SqliteDbFileName = "flowbroker.db"
const ConfigFileName = "config.yml"
const RaftDir = "raft_data"
const RaftLog = "logs.dat"
const RaftStableLog = "stable.dat"

// DBMaxVariableSize sqlite limit on the number of bound variables in a
// single statement, used to size batched inserts.
const DBMaxVariableSize = 32766

// DispatchRetryMax number of distinct workers tried for a single dispatch
// attempt before the job instance is failed over to its retry policy.
const DispatchRetryMax = 3

const DefaultHeartbeatTimeoutSecs = 5
const DefaultMetaTaskIntervalSecs = 10
const DefaultJobReportTimeoutSecs = 30
const DefaultScheduleGraceSecs = 30
const DefaultPlanLoadEpsilonSecs = 2
const DefaultTriggerSweepMs = 500
const DefaultDispatchWorkers = 10
const DefaultDispatchQueueSize = 100
