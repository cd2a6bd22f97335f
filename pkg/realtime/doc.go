/*
Package realtime is the online sync path: a transport-opaque duplex channel
carrying JSON broadcast packets between peers editing the same graph.

Inbound packets are filtered (own client id, stale timestamp, empty) and
then applied through the same conflict primitive as the buffer and
directory paths. A store-local hash equal to the downstream value means a
spurious re-broadcast and is ignored; a store that moved past the sender's
pre-merge hash is a three-way conflict, resolved by merging and answered
with a conflict re-broadcast so every peer converges. Because every write
goes through the merge-capable path, the handler is re-entrant under
duplicate delivery.

Outbound packets are sent opportunistically, only while another peer's
presence heartbeat is live. Presence records carry offset-corrected
wallclocks; peers older than five seconds are pruned.
*/
package realtime
