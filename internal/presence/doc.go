// Package presence tracks agent liveness and pages once per outage.
//
// Every agent_connect and heartbeat calls Tracker.Contact, which stores the
// contact time and puts the record in StateLive. Run sweeps on a fixed
// interval independent of message arrival:
//
//	Live         idle > threshold and not connected  -> PendingCheck, page
//	PendingCheck page returned (ok or not)           -> Notified, store notified_offline
//	any          Contact                             -> Live
//
// The registry check keeps a slow heartbeat from paging while the socket is
// still up. A silently partitioned agent is dropped from the registry by the
// relay's heartbeat timeout and is picked up by the next sweep.
//
// The guarantee is at most one page per outage within one process. A crash
// between the page and the Notified flag can page again after restart.
package presence
