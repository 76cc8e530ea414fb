package engine

/*

A database is one file, <DataDir>/<name>.kdb, made of frames:

	+------+------+-------+----------+--------+------------+-------------+---------+
	| KDBF | kind | flags | reserved | length | header sum | payload sum | payload |
	|  4   |  1   |   1   |    2     | 4 (LE) |     4      |     32      | length  |
	+------+------+-------+----------+--------+------------+-------------+---------+

The payload is a BSON document, snappy compressed when flags has bit 0 set.
The header sum is the first 4 bytes of the blake2b-256 sum of the 12 bytes
before it; the payload sum is the blake2b-256 sum of the payload as stored.

	header   database id, name, schema version, creation time and the bundles
	snapshot every live document with its storage sequence
	commit   the put, delete and clear operations of one transaction

A file always starts with a header. After a compaction it holds a header and
one snapshot; every commit since then is appended as one commit frame.

Opening a database replays the frames into a fresh root. A frame that is cut
short, or fails a checksum, as the last thing in the file is a write that
never finished: the file is truncated to the frame before it. Damage anywhere
else is reported as ErrCorruptFile and the database is not opened. A length
is trusted only under a valid header sum, so a damaged length cannot make
later frames look like a torn tail.

In memory each bundle is a table of three kinds of B-trees:

	rows    storage sequence -> document
	ids     document id -> storage sequence
	index   (encoded field value, storage sequence), one tree per indexed field

A sequence is assigned when a document is first stored and never changes,
so storage order is insertion order and updates keep their place.

Readers load the current root through an atomic pointer and never lock. The
single writer clones a table the first time it touches it; the clone shares
nodes with the published tree until either side writes. Commit appends the
commit frame, then publishes the new root with one pointer store.

Where clauses:

	SELECT DOCUMENTS FROM "Person" WHERE age >= 18 AND name BEGINSWITH[c] "a"

are parsed by ParseWhereClause into the same predicate tree the Go API
builds with Eq, Lt, And, Not, In and friends.

*/
