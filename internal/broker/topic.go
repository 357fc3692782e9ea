package broker

// Internal topic names, matching the table in spec.md section 6. Each
// business topic (consumed by its stage's Handler) has a distinct
// changelog topic, topic+".log" (see Table), mirroring the original
// Python source's separate change_*_topic/log_*_topic pair
// (doscrawler/attacks/topics.py). A Table's Put/Delete must never publish
// onto the same topic its own Handler consumes -- that would hand the
// Handler back a bare, action-free key it can never parse.
const (
	TopicAttackChange    = "attack.change"
	TopicHostGet         = "host.get"
	TopicHostChange      = "host.change"
	TopicCrawlGet        = "crawl.get"
	TopicCrawlChange     = "crawl.change"
	TopicCrawlWaitChange = "crawl.wait.change"
	TopicDumpChange      = "dump.change"

	// TopicAttackCandidateChange is the changelog for the per-IP merge
	// candidate table. Not part of the externally documented topic table
	// in spec.md section 6 but named explicitly by section 5's scheduling
	// model ("change-target-candidate") as one of the stateful per-
	// partition handlers; it is internal bookkeeping for the Attack
	// Merger and is never read by any other component.
	TopicAttackCandidateChange = "attack.candidate.change"
)

// InternalTopics lists every topic this process needs to exist before
// consuming or producing, used by EnsureTopic at startup: every business
// topic plus its table's changelog topic.
var InternalTopics = []string{
	TopicAttackChange, TopicAttackChange + ".log",
	TopicHostGet,
	TopicHostChange, TopicHostChange + ".log",
	TopicCrawlGet,
	TopicCrawlChange, TopicCrawlChange + ".log",
	TopicCrawlWaitChange, TopicCrawlWaitChange + ".log",
	TopicDumpChange, TopicDumpChange + ".log",
	TopicAttackCandidateChange, TopicAttackCandidateChange + ".log",
}

// Action is the add/delete verb prefix encoded into every internal
// message key, e.g. "add/1.2.3.4/2026-01-02T03:04:05.000000Z".
type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
)
