package repositories

import (
	"campus-chat/domain"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Keyspace shared by all repositories. Every relation lives in the same
// BadgerDB so that multi-relation writes can share one transaction.
//
//	conv:{conversation}                         Conversation
//	direct:{min identity}:{max identity}        conversation id of the pair
//	member:{conversation}:{identity}            Membership
//	memberof:{identity}:{conversation}          reverse index, empty value
//	msg:{conversation}:{ts019}:{seq020}         Message
//	msgid:{message}                             msg: key of the message
//	block:{blocker}:{blocked}:{edge}            BlockEdge
//	identity:{identity}                         Identity
//	directory:{directory}                       identity id
const (
	conversationPrefix = "conv:"
	directPrefix       = "direct:"
	memberPrefix       = "member:"
	memberOfPrefix     = "memberof:"
	messagePrefix      = "msg:"
	messageIDPrefix    = "msgid:"
	blockPrefix        = "block:"
	identityPrefix     = "identity:"
	directoryPrefix    = "directory:"
	messageSequenceKey = "seq:msg"
)

// maxConflictRetries bounds the optimistic retries of a transaction that lost
// a read-write conflict against a concurrent one.
const maxConflictRetries = 8

// Ids are opaque and may contain the separator, so every id segment is
// escaped: "%" becomes "%25" and ":" becomes "%3A". Ids free of both are
// stored as is.
var (
	segmentEscaper   = strings.NewReplacer("%", "%25", ":", "%3A")
	segmentUnescaper = strings.NewReplacer("%3A", ":", "%25", "%")
)

func segment[T ~string](id T) string {
	return segmentEscaper.Replace(string(id))
}

func unsegment(s string) string {
	return segmentUnescaper.Replace(s)
}

func conversationKey(id domain.ConversationID) []byte {
	return []byte(conversationPrefix + segment(id))
}

func directKey(a, b domain.IdentityID) []byte {
	pair := domain.Pair(a, b)
	return []byte(fmt.Sprintf("%s%s:%s", directPrefix, segment(pair[0]), segment(pair[1])))
}

func memberKey(conversationID domain.ConversationID, identityID domain.IdentityID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", memberPrefix, segment(conversationID), segment(identityID)))
}

func memberConversationPrefix(conversationID domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("%s%s:", memberPrefix, segment(conversationID)))
}

func memberOfKey(identityID domain.IdentityID, conversationID domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", memberOfPrefix, segment(identityID), segment(conversationID)))
}

func memberOfIdentityPrefix(identityID domain.IdentityID) []byte {
	return []byte(fmt.Sprintf("%s%s:", memberOfPrefix, segment(identityID)))
}

// messageKey pads the timestamp on 19 digits and the sequence on 20 digits so
// that the lexicographical order of keys is the append order.
func messageKey(conversationID domain.ConversationID, at time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%020d", messagePrefix, segment(conversationID), at.UnixNano(), seq))
}

func messageConversationPrefix(conversationID domain.ConversationID) []byte {
	return []byte(fmt.Sprintf("%s%s:", messagePrefix, segment(conversationID)))
}

func messageIDKey(id domain.MessageID) []byte {
	return []byte(messageIDPrefix + segment(id))
}

func blockKey(edge domain.BlockEdge) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", blockPrefix, segment(edge.BlockerID), segment(edge.BlockedID), segment(edge.ID)))
}

func blockPairPrefix(blocker, blocked domain.IdentityID) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", blockPrefix, segment(blocker), segment(blocked)))
}

func identityKey(id domain.IdentityID) []byte {
	return []byte(identityPrefix + segment(id))
}

func directoryKey(id domain.DirectoryID) []byte {
	return []byte(directoryPrefix + segment(id))
}

// update runs fn in a read-write transaction and replays it when Badger
// reports a conflict with a concurrently committed transaction.
func update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return txn.Set(key, bytes)
}

// getJSON returns badger.ErrKeyNotFound untouched so callers can map it.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return unmarshal(val, v)
	})
}

func unmarshal(val []byte, v any) error {
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("unmarshal failed: %w", err)
	}
	return nil
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// keysWithPrefix collects keys only, values are not prefetched.
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
