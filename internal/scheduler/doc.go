// Package scheduler регистрирует повторяющиеся служебные job.
//
// Несколько процессов navigator-scheduler могут работать одновременно.
// Лидер выбирается через pg_try_advisory_lock (repo.AdvisoryLock), и только
// он регистрирует job в queue.Repeater. Остальные ждут освобождения блокировки.
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Lock:     repo.NewAdvisoryLock(pool, cfg.Scheduler.LockKey),
//	    Queue:    registry,
//	    Repeater: repeater,
//	    Jobs: []scheduler.Job{{
//	        Queue:   jobs.QueueRecoverStalled,
//	        Name:    jobs.NameRecoverStalled,
//	        Payload: jobs.RecoverStalled{},
//	        Every:   time.Minute,
//	    }},
//	})
//
//	err = sched.Run(ctx) // блокируется до отмены ctx
package scheduler
