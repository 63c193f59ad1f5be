// Package jobs описывает контракты job между процессами:
// имена, очереди, payload и детерминированные JobID.
//
//	flow:create-run              CreateRun
//	flow:stop-run                StopRun
//	agent:advance-node           AdvanceNode
//	agent:process-trigger        ProcessTrigger
//	agent:user-input             UserInput
//	agent:create-gif             CreateGif
//	integrations:process-event   ProcessEvent
//	base:recover-stalled         RecoverStalled
package jobs
