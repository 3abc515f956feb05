// Package monitor holds the periodic aggregators of the STS cluster.
//
// Every node records SMS delivery reports into shared grid maps, but only
// one node, the leader, turns them into notifications:
//
//   - DeliveryMonitor counts successful deliveries and keeps failure
//     details. Each interval the leader that opted in as reporting node
//     reads and resets the counter, drains the failures and posts a
//     summary plus, when anything failed, an alarm with a short digest.
//   - SessionMonitor samples the number of active sessions and reports
//     changes above a threshold, and long stretches without change.
//
// Scheduler runs both on robfig/cron. A disabled or unreachable notifier
// turns reporting into a logged no-op.
package monitor
