/*
Package metrics defines Burrow's Prometheus metrics and helpers.

Metrics are declared as package variables, registered in init, and served
over HTTP via Handler. Subsystems import this package directly rather than
carrying metric handles around. The Timer helper records operation
durations into histograms.

Metric families: committer (commits, OCC conflicts, repeatable horizon),
write log, retention (floors, checkpoints, lag, deletions, shed writes),
function runner (running/waiting gauges, rejections, durations, retries),
streaming export, and snapshot import.
*/
package metrics
