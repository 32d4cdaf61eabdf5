package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrorResolver repairs one recognized class of data conflict that
// aborts a bulk copy between shards. Matches must succeed before Run.
type ErrorResolver interface {
	// Name identifies the resolver in logs.
	Name() string
	// Matches reports whether the error is the condition this resolver
	// repairs, capturing the details Run needs.
	Matches(err error) bool
	// Run repairs the condition on the connection the resolver is
	// bound to.
	Run(ctx context.Context, db *DB) error
}

// resolverBase carries what every resolver shares: the connection the
// repair runs on and the pattern recognizing the error.
type resolverBase struct {
	name  string
	using string
	re    *regexp.Regexp
	match []string
}

func (r *resolverBase) Name() string { return r.name }

// Matches tests the error text with newlines flattened, the way
// multi-line PostgreSQL errors arrive from either driver.
func (r *resolverBase) Matches(err error) bool {
	if err == nil {
		return false
	}
	r.match = r.re.FindStringSubmatch(strings.ReplaceAll(err.Error(), "\n", " "))
	return r.match != nil
}

func (r *resolverBase) runnable() error {
	if r.match == nil {
		return fmt.Errorf("%s invoked without a prior successful match", r.name)
	}
	return nil
}

// runTx wraps one repair in BEGIN/COMMIT, rolling back on failure.
func (r *resolverBase) runTx(ctx context.Context, db *DB, body func() error) error {
	if err := db.Begin(ctx, r.using); err != nil {
		return err
	}
	err := body()
	if err == nil {
		return db.Commit(ctx, r.using)
	}
	if rbErr := db.resetConnection(ctx, r.using); rbErr != nil {
		log.Printf("[db] %s rollback failed: %v", r.name, rbErr)
	}
	return err
}

// defaultErrorResolvers instantiates every registered resolver for one
// source/destination pair, in trial order.
func defaultErrorResolvers(sourceShard, destinationShard string) []ErrorResolver {
	return []ErrorResolver{
		newDuplicateMixPanelIDResolver(sourceShard, destinationShard),
		newDuplicateUsernameResolver(sourceShard, destinationShard),
		newDuplicateIDResolver(sourceShard, destinationShard),
		newContactGroupsOverlapResolver(sourceShard, destinationShard),
		newReceiptOverlapResolver(sourceShard, destinationShard),
		newThreadOverlapResolver(sourceShard, destinationShard),
		newBlockMismatchResolver(sourceShard, destinationShard),
		newThreadMismatchResolver(sourceShard, destinationShard),
		newMismatchedContactOrGroupResolver(sourceShard, destinationShard),
	}
}

// FindAutomaticErrorResolver returns the first resolver matching the
// error, or nil when the error is not automatically repairable.
func FindAutomaticErrorResolver(sourceShard, destinationShard string, err error) ErrorResolver {
	for _, resolver := range defaultErrorResolvers(sourceShard, destinationShard) {
		if resolver.Matches(err) {
			log.Printf("[db] found matching resolver: %s", resolver.Name())
			return resolver
		}
	}
	return nil
}

var duplicateMixPanelIDRe = regexp.MustCompile(
	`.*duplicate key value violates unique constraint\s+"main_extendeduser_mixpanelid_key".*DETAIL:\s+Key \(mixpanelid\)=\((.+)\) already exists\..*`)

// duplicateMixPanelIDResolver regenerates a mixpanelid already taken on
// the destination shard.
type duplicateMixPanelIDResolver struct {
	resolverBase
}

func newDuplicateMixPanelIDResolver(_, destinationShard string) *duplicateMixPanelIDResolver {
	return &duplicateMixPanelIDResolver{resolverBase{
		name:  "DuplicateMixPanelIdResolver",
		using: destinationShard,
		re:    duplicateMixPanelIDRe,
	}}
}

func (r *duplicateMixPanelIDResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	foundValue := r.match[1]
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	numRows, err := db.queryInt64(ctx, r.using,
		`SELECT count(*) FROM "main_extendeduser" WHERE "mixpanelid" = $1`, foundValue)
	if err != nil {
		return err
	}
	if numRows != 1 {
		return fmt.Errorf(
			"expected to find 1 row in main_extendeduser where mixpanelid=%s on %s, but instead found %d",
			foundValue, r.using, numRows)
	}
	newValue := uuid.NewString()
	return r.runTx(ctx, db, func() error {
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_extendeduser" SET "mixpanelid" = $1 WHERE "mixpanelid" = $2`,
			newValue, foundValue); err != nil {
			return err
		}
		log.Printf("[db] DuplicateMixPanelIdResolver :: updated %q to %q", foundValue, newValue)
		return nil
	})
}

var (
	duplicateUsernameRe = regexp.MustCompile(
		`.*duplicate key value violates unique constraint\s+"username".*DETAIL: *Key \(username\)=\((.+)\)\s+already exists\..*`)
	numericUsernameRe = regexp.MustCompile(`^[0-9]{10,11}$`)
)

// duplicateUsernameResolver renames an auto-generated username (for
// example "openiduser12") already taken on the destination shard.
// Phone-number usernames are refused since renaming them would break
// logins.
type duplicateUsernameResolver struct {
	resolverBase
}

func newDuplicateUsernameResolver(_, destinationShard string) *duplicateUsernameResolver {
	return &duplicateUsernameResolver{resolverBase{
		name:  "DuplicateUsernameResolver",
		using: destinationShard,
		re:    duplicateUsernameRe,
	}}
}

func (r *duplicateUsernameResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	foundValue := r.match[1]
	if numericUsernameRe.MatchString(foundValue) {
		return fmt.Errorf("unable to automatically rename user with username %q", foundValue)
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	numRows, err := db.queryInt64(ctx, r.using,
		`SELECT count(*) FROM "auth_user" WHERE "username" = $1`, foundValue)
	if err != nil {
		return err
	}
	if numRows != 1 {
		return fmt.Errorf(
			"expected to find 1 row in auth_user where username=%s on %s, but instead found %d",
			foundValue, r.using, numRows)
	}
	newValue := foundValue + foundValue[len(foundValue)-1:]
	return r.runTx(ctx, db, func() error {
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "auth_user" SET "username" = $1 WHERE "username" = $2`,
			newValue, foundValue); err != nil {
			return err
		}
		log.Printf("[db] DuplicateUsernameResolver :: updated %q to %q", foundValue, newValue)
		return nil
	})
}

var duplicateIDRe = regexp.MustCompile(
	`.*duplicate key value violates unique constraint\s+"(main_usermessage|main_shortlink|main_receipt|main_thread|` +
		`main_phonenumber|main_userphonenumber|main_voicecall|` +
		`tastypie_apikey|django_openid_auth_useropenid|` +
		`main_usermessageshortcode).+".*DETAIL:\s+Key \(id\)=\(([0-9]+)\) already exists\..*`)

// duplicateIDResolver moves a colliding row on the destination shard to
// a fresh id from the table's sharded sequence, repointing referencing
// rows along the way.
type duplicateIDResolver struct {
	resolverBase
}

func newDuplicateIDResolver(_, destinationShard string) *duplicateIDResolver {
	return &duplicateIDResolver{resolverBase{
		name:  "DuplicateIdResolver",
		using: destinationShard,
		re:    duplicateIDRe,
	}}
}

func (r *duplicateIDResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	table := r.match[1]
	currentID, err := strconv.ParseInt(r.match[2], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted currentId=%s, was expecting a number", r.match[2])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		newID, err := db.queryInt64(ctx, r.using,
			fmt.Sprintf(`SELECT sh_next_id('%s_id_seq')`, table))
		if err != nil {
			return err
		}
		log.Printf("[db] DuplicateIdResolver :: updating %d to %d on connection=%s",
			currentID, newID, r.using)
		return db.UpdatePrimaryKeyID(ctx, r.using, table, currentID, newID)
	})
}

var contactGroupsOverlapRe = regexp.MustCompile(
	`.*insert or update on table "main_contact_groups"\s+violates foreign key constraint "[^"]+".*DETAIL:\s+Key \(group_id\)=\(([0-9]+)\) is not present in\s+table "main_group"\..*`)

// contactGroupsOverlapResolver removes contacts from a group when the
// contact's owner differs from the group's owner. Such rows reference a
// group that lives on another shard.
type contactGroupsOverlapResolver struct {
	resolverBase
}

func newContactGroupsOverlapResolver(sourceShard, _ string) *contactGroupsOverlapResolver {
	return &contactGroupsOverlapResolver{resolverBase{
		name:  "ContactGroupsOverlapResolver",
		using: sourceShard,
		re:    contactGroupsOverlapRe,
	}}
}

func (r *contactGroupsOverlapResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	groupID, err := strconv.ParseInt(r.match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted group_id=%s, was expecting a number", r.match[1])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		userID, err := db.queryInt64(ctx, r.using,
			`SELECT "user_id" FROM "main_group" WHERE "id" = $1`, groupID)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, `
			DELETE FROM "main_contact_groups"
			WHERE
				"group_id" = $1 AND
				"contact_id" IN (
					SELECT "c"."id"
					FROM "main_contact" "c"
						JOIN "main_contact_groups" "cg" ON
						"cg"."contact_id" = "c"."id"
					WHERE "cg"."group_id" = $2 AND "c"."user_id" != $3
				)`,
			groupID, groupID, userID); err != nil {
			return err
		}
		log.Printf("[db] ContactGroupsOverlapResolver :: fixed main_contact_groups for group_id=%d on connection=%s",
			groupID, r.using)
		return nil
	})
}

var receiptOverlapRe = regexp.MustCompile(
	`.*insert or update on table "main_receipt" violates\s+foreign key constraint "[^"]+".*DETAIL:\s+Key \((contact|group)_id\)=\(([0-9]+)\) is not present\s+in table "main_(contact|group)"\..*`)

// receiptOverlapResolver repoints receipts (and the messages and
// threads hanging off them) at the user who actually owns the contact
// or group the receipt references.
type receiptOverlapResolver struct {
	resolverBase
}

func newReceiptOverlapResolver(sourceShard, _ string) *receiptOverlapResolver {
	return &receiptOverlapResolver{resolverBase{
		name:  "ReceiptOverlapResolver",
		using: sourceShard,
		re:    receiptOverlapRe,
	}}
}

func (r *receiptOverlapResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	table := r.match[1]
	currentID, err := strconv.ParseInt(r.match[2], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted %s_id=%s, was expecting a number", table, r.match[2])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		userID, err := db.queryInt64(ctx, r.using,
			fmt.Sprintf(`SELECT "user_id" FROM "main_%s" WHERE "id" = $1`, table), currentID)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(`
			UPDATE "main_thread"
			SET "user_id" = %d
			WHERE "latestUserMessageId" IN (
				SELECT "um"."id" FROM "main_usermessage" "um" JOIN
				"main_receipt" "r" ON "r"."message_id" = "um"."id"
				WHERE "r"."%s_id" = %d
			)`, userID, table, currentID)); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(`
			UPDATE "main_usermessage"
			SET "user_id" = %d
			WHERE "id" IN (
				SELECT "um"."id" FROM "main_usermessage" "um" JOIN
				"main_receipt" "r" ON "r"."message_id" = "um"."id"
				WHERE "r"."%s_id" = %d
			)`, userID, table, currentID)); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
			`UPDATE "main_receipt" SET "user_id" = %d WHERE "%s_id" = %d`,
			userID, table, currentID)); err != nil {
			return err
		}
		log.Printf("[db] ReceiptOverlapResolver :: fixed mis-matched receipt for %s_id=%d/user_id=%d on connection=%s",
			table, currentID, userID, r.using)
		return nil
	})
}

// findAndValidateUserIDForThreadMembers resolves a Thread.membersJson
// value of the form [[contactIds],[groupIds]] to the single user id
// every member belongs to.
func (db *DB) findAndValidateUserIDForThreadMembers(ctx context.Context, using, membersJSON string) (int64, error) {
	dec := json.NewDecoder(strings.NewReader(membersJSON))
	dec.UseNumber()
	var members [][]json.Number
	if err := dec.Decode(&members); err != nil {
		return 0, fmt.Errorf("unparseable membersJson %s: %w", membersJSON, err)
	}
	if len(members) != 2 {
		return 0, fmt.Errorf("membersJson %s must hold a contact id list and a group id list", membersJSON)
	}
	contactIDs, groupIDs := members[0], members[1]
	if len(contactIDs)+len(groupIDs) == 0 {
		return 0, fmt.Errorf("thread with membersJson=%s somehow had no members at all", membersJSON)
	}

	lookup := func(table string, ids []json.Number) (int64, error) {
		joined := make([]string, len(ids))
		for i, id := range ids {
			joined[i] = id.String()
		}
		rows, err := db.Query(ctx, using, fmt.Sprintf(
			`SELECT DISTINCT "user_id" FROM "%s" WHERE "id" IN (%s)`,
			table, strings.Join(joined, ",")))
		if err != nil {
			return 0, err
		}
		if rows.Len() != 1 {
			return 0, fmt.Errorf(
				"expected to find a single user-id for %s ids (%s), but instead found %d",
				table, strings.Join(joined, ","), rows.Len())
		}
		return toInt64(rows.Values[0][0])
	}

	var contactUserID, groupUserID int64
	var haveContacts, haveGroups bool
	if len(contactIDs) > 0 {
		id, err := lookup("main_contact", contactIDs)
		if err != nil {
			return 0, err
		}
		contactUserID, haveContacts = id, true
	}
	if len(groupIDs) > 0 {
		id, err := lookup("main_group", groupIDs)
		if err != nil {
			return 0, err
		}
		groupUserID, haveGroups = id, true
	}
	switch {
	case haveContacts && haveGroups:
		if contactUserID != groupUserID {
			return 0, fmt.Errorf(
				"user-id for contacts/groups in membersJson=%s did not match: %d, %d",
				membersJSON, contactUserID, groupUserID)
		}
		return contactUserID, nil
	case haveContacts:
		return contactUserID, nil
	default:
		return groupUserID, nil
	}
}

var threadOverlapRe = regexp.MustCompile(
	`.*insert or update on table "main_usermessage" violates\s+foreign key constraint "threadId_.*".*DETAIL:\s+Key \(threadId\)=\(([0-9]+)\) is not present in\s+table "main_thread"\..*`)

// threadOverlapResolver repairs a thread claimed by the wrong user by
// resolving the thread's members to the owning user.
type threadOverlapResolver struct {
	resolverBase
}

func newThreadOverlapResolver(sourceShard, _ string) *threadOverlapResolver {
	return &threadOverlapResolver{resolverBase{
		name:  "ThreadOverlapResolver",
		using: sourceShard,
		re:    threadOverlapRe,
	}}
}

func (r *threadOverlapResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	threadID, err := strconv.ParseInt(r.match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted threadId=%s, was expecting a number", r.match[1])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		rows, err := db.Query(ctx, r.using,
			`SELECT "user_id", "membersJson" FROM "main_thread" WHERE "id" = $1`, threadID)
		if err != nil {
			return err
		}
		if rows.Len() == 0 || len(rows.Values[0]) < 2 {
			return fmt.Errorf("thread %d not found on %s", threadID, r.using)
		}
		incorrectUserID, err := toInt64(rows.Values[0][0])
		if err != nil {
			return err
		}
		membersJSON := fmt.Sprint(rows.Values[0][1])
		userID, err := db.findAndValidateUserIDForThreadMembers(ctx, r.using, membersJSON)
		if err != nil {
			return err
		}

		if incorrectUserID == userID {
			if _, err := db.Exec(ctx, r.using,
				`UPDATE "main_thread" SET "latestUserMessageId" = NULL WHERE "id" = $1`,
				threadID); err != nil {
				return err
			}
			log.Printf("[db] ThreadOverlapResolver :: fixed mis-matched thread for threadId=%d, nulled out latestUserMessageId on connection=%s",
				threadID, r.using)
			return nil
		}

		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_receipt" SET "user_id" = $1 WHERE "message_id" IN (SELECT "id" FROM "main_usermessage" WHERE "threadId" = $2)`,
			userID, threadID); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_usermessage" SET "user_id" = $1 WHERE "threadId" = $2`,
			userID, threadID); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_thread" SET "user_id" = $1 WHERE "id" = $2`,
			userID, threadID); err != nil {
			return err
		}
		log.Printf("[db] ThreadOverlapResolver :: fixed mis-matched thread for threadId=%d, incorrectUserId=%d correctUserId=%d on connection=%s",
			threadID, incorrectUserID, userID, r.using)
		return nil
	})
}

var blockMismatchRe = regexp.MustCompile(
	`.*insert or update on table "main_block" violates\s+foreign key constraint "message_id.*".*DETAIL:\s+Key \(message_id\)=\(([0-9]+)\) is not present in\s+table "main_usermessage"\..*`)

// blockMismatchResolver repoints the message, receipt and thread rows
// behind a block at the blocked user the block records already agree
// on.
type blockMismatchResolver struct {
	resolverBase
}

func newBlockMismatchResolver(sourceShard, _ string) *blockMismatchResolver {
	return &blockMismatchResolver{resolverBase{
		name:  "BlockMismatchResolver",
		using: sourceShard,
		re:    blockMismatchRe,
	}}
}

func (r *blockMismatchResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	userMessageID, err := strconv.ParseInt(r.match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted message_id=%s, was expecting a number", r.match[1])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		blocks, err := db.QueryDict(ctx, r.using,
			`SELECT * FROM "main_block" WHERE "blocked_user_id" = (SELECT "blocked_user_id" FROM "main_block" WHERE "message_id" = $1 LIMIT 1)`,
			userMessageID)
		if err != nil {
			return err
		}

		var userMessageIDs []string
		var userID int64
		haveUserID := false
		for _, block := range blocks {
			blockedUserID, err := toInt64(block["blocked_user_id"])
			if err != nil {
				return err
			}
			contactUserID, err := db.queryInt64(ctx, r.using,
				`SELECT "user_id" FROM "main_contact" WHERE "id" = $1`, block["contact_id"])
			if err != nil {
				return err
			}
			if blockedUserID != contactUserID {
				return fmt.Errorf(
					"bad block with id=%v, blocked_user_id=%d but contactId=%v user-id was %d",
					block["id"], blockedUserID, block["contact_id"], contactUserID)
			}
			messageID, err := toInt64(block["message_id"])
			if err != nil {
				return err
			}
			userMessageIDs = append(userMessageIDs, strconv.FormatInt(messageID, 10))
			if !haveUserID {
				userID = blockedUserID
				haveUserID = true
			}
		}

		if !haveUserID {
			log.Printf("[db] BlockMismatchResolver :: unexpectedly failed to find block(s) for user with block originating from message_id=%d",
				userMessageID)
			return nil
		}

		joined := strings.Join(userMessageIDs, ",")
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
			`UPDATE "main_usermessage" SET "user_id" = $1 WHERE "id" IN (%s)`, joined),
			userID); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
			`UPDATE "main_receipt" SET "user_id" = $1 WHERE "id" IN (%s)`, joined),
			userID); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
			`UPDATE "main_thread" SET "user_id" = $1 WHERE "id" IN (SELECT "threadId" FROM "main_usermessage" WHERE "id" IN (%s))`, joined),
			userID); err != nil {
			return err
		}
		log.Printf("[db] BlockMismatchResolver :: fixed mis-matched block records for userMessageId=%d/user_id=%d on connection=%s",
			userMessageID, userID, r.using)
		return nil
	})
}

var threadMismatchRe = regexp.MustCompile(
	`.*insert or update on table "main_thread" violates\s+foreign key constraint "latestUserMessageId_.*".*DETAIL:\s+Key \(latestUserMessageId\)=\(([0-9]+)\) is not present\s+in table "main_usermessage"\..*`)

// threadMismatchResolver repairs a thread whose latest message points
// at a message owned by a different user, deleting receipts too garbled
// to repoint.
type threadMismatchResolver struct {
	resolverBase
}

func newThreadMismatchResolver(sourceShard, _ string) *threadMismatchResolver {
	return &threadMismatchResolver{resolverBase{
		name:  "ThreadMismatchResolver",
		using: sourceShard,
		re:    threadMismatchRe,
	}}
}

func (r *threadMismatchResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	userMessageID, err := strconv.ParseInt(r.match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted latestUserMessageId=%s, was expecting a number", r.match[1])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		rows, err := db.Query(ctx, r.using,
			`SELECT "user_id", "membersJson" FROM "main_thread" WHERE "latestUserMessageId" = $1`,
			userMessageID)
		if err != nil {
			return err
		}
		if rows.Len() == 0 || len(rows.Values[0]) < 2 {
			return fmt.Errorf("no thread with latestUserMessageId=%d on %s", userMessageID, r.using)
		}
		threadUserID, err := toInt64(rows.Values[0][0])
		if err != nil {
			return err
		}
		membersJSON := fmt.Sprint(rows.Values[0][1])
		userID, err := db.findAndValidateUserIDForThreadMembers(ctx, r.using, membersJSON)
		if err != nil {
			return err
		}
		if threadUserID != userID {
			return fmt.Errorf("thread with membersJson=%s is too borked to handle automatically", membersJSON)
		}

		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_receipt" SET "user_id" = $1 WHERE "message_id" = $2`,
			userID, userMessageID); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_usermessage" SET "user_id" = $1 WHERE "id" = $2`,
			userID, userMessageID); err != nil {
			return err
		}

		unintelligible, err := db.Query(ctx, r.using, `
			SELECT "r"."id"
			FROM "main_receipt" "r"
				JOIN "main_contact" "c" ON "c"."id" = "r"."contact_id"
			WHERE "r"."message_id" = $1 AND "r"."user_id" = $2
			AND "c"."user_id" != "r"."user_id"`,
			userMessageID, userID)
		if err != nil {
			return err
		}
		if unintelligible.Len() > 0 {
			receiptIDs := make([]string, 0, unintelligible.Len())
			for _, row := range unintelligible.Values {
				id, err := toInt64(row[0])
				if err != nil {
					return err
				}
				receiptIDs = append(receiptIDs, strconv.FormatInt(id, 10))
			}
			log.Printf("[db] ThreadMismatchResolver :: found %d unintelligible receipts, ids=%v",
				len(receiptIDs), receiptIDs)
			if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
				`DELETE FROM "main_receipt" WHERE "message_id" = $1 AND "id" IN (%s)`,
				strings.Join(receiptIDs, ",")),
				userMessageID); err != nil {
				return err
			}
		}
		log.Printf("[db] ThreadMismatchResolver :: fixed mismatched thread with latestUserMessageId=%d/user_id=%d on connection=%s",
			userMessageID, userID, r.using)
		return nil
	})
}

var mismatchedContactOrGroupRe = regexp.MustCompile(
	`.*insert or update on table\s+"main_usermessage_(contact|group)s" violates foreign key\s+constraint "main_usermessage_(?:contact|group)s_(?:contact|group)_id_fk".*DETAIL:\s+Key \((?:contact|group)_id\)=\(([0-9]+)\) is not present\s+in table "main_(?:contact|group)"\..*`)

// mismatchedContactOrGroupResolver repoints messages linked to a
// contact or group at the user who owns that contact or group.
type mismatchedContactOrGroupResolver struct {
	resolverBase
}

func newMismatchedContactOrGroupResolver(sourceShard, _ string) *mismatchedContactOrGroupResolver {
	return &mismatchedContactOrGroupResolver{resolverBase{
		name:  "MismatchedContactOrGroupResolver",
		using: sourceShard,
		re:    mismatchedContactOrGroupRe,
	}}
}

func (r *mismatchedContactOrGroupResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	objectType := r.match[1]
	objectID, err := strconv.ParseInt(r.match[2], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted %s_id=%s, was expecting a number", objectType, r.match[2])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		userID, err := db.queryInt64(ctx, r.using, fmt.Sprintf(
			`SELECT "user_id" FROM "main_%s" WHERE "id" = $1`, objectType), objectID)
		if err != nil {
			return err
		}
		rows, err := db.Query(ctx, r.using, fmt.Sprintf(
			`SELECT "um"."id" FROM "main_usermessage_%ss" "t" JOIN "main_usermessage" "um" ON "um"."id" = "t"."usermessage_id" WHERE "t"."%s_id" = $1 AND "um"."user_id" != $2`,
			objectType, objectType), objectID, userID)
		if err != nil {
			return err
		}
		if rows.Len() > 0 {
			badUserMessageIDs := make([]string, 0, rows.Len())
			for _, row := range rows.Values {
				id, err := toInt64(row[0])
				if err != nil {
					return err
				}
				badUserMessageIDs = append(badUserMessageIDs, strconv.FormatInt(id, 10))
			}
			if _, err := db.Exec(ctx, r.using, fmt.Sprintf(
				`UPDATE "main_usermessage" SET "user_id" = $1 WHERE "id" IN (%s)`,
				strings.Join(badUserMessageIDs, ",")),
				userID); err != nil {
				return err
			}
		}
		log.Printf("[db] MismatchedContactOrGroupResolver :: fixed mismatched usermessages for %sId=%d to belong to user_id=%d on connection=%s",
			objectType, objectID, userID, r.using)
		return nil
	})
}

var receiptMismatchRe = regexp.MustCompile(
	`.*insert or update on table "main_receipt" violates\s+foreign key constraint\s+"main_receipt__message_id_fk".*DETAIL:\s+Key \(message_id\)=\(([0-9]+)\) is not present in\s+table "main_usermessage"\..*`)

// receiptMismatchResolver repoints a message at the user its receipts
// say it belongs to. Not registered with the automatic set; kept for
// manual repair sessions.
type receiptMismatchResolver struct {
	resolverBase
}

func newReceiptMismatchResolver(sourceShard, _ string) *receiptMismatchResolver {
	return &receiptMismatchResolver{resolverBase{
		name:  "ReceiptMismatchResolver",
		using: sourceShard,
		re:    receiptMismatchRe,
	}}
}

func (r *receiptMismatchResolver) Run(ctx context.Context, db *DB) error {
	if err := r.runnable(); err != nil {
		return err
	}
	userMessageID, err := strconv.ParseInt(r.match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("extracted message_id=%s, was expecting a number", r.match[1])
	}
	if err := db.resetConnection(ctx, r.using); err != nil {
		return err
	}
	return r.runTx(ctx, db, func() error {
		incorrectUserID, err := db.queryInt64(ctx, r.using,
			`SELECT "user_id" FROM "main_receipt" WHERE "message_id" = $1 LIMIT 1`,
			userMessageID)
		if err != nil {
			return err
		}
		correctUserID, err := db.queryInt64(ctx, r.using, `
			SELECT "user_id" FROM "main_contact" WHERE
			"id" = (SELECT "contact_id" FROM "main_receipt"
			WHERE "message_id" = $1)
			UNION
			SELECT "user_id" FROM "main_group"
			WHERE "id" = (SELECT "group_id" FROM "main_receipt"
			WHERE "message_id" = $2)`,
			userMessageID, userMessageID)
		if err != nil {
			return err
		}
		if incorrectUserID == correctUserID {
			return fmt.Errorf(
				"the \"good\" user-id must not match the incorrect one, but they did (%d == %d)",
				correctUserID, incorrectUserID)
		}
		if _, err := db.Exec(ctx, r.using,
			`UPDATE "main_usermessage" SET "user_id" = $1 WHERE "id" = $2`,
			correctUserID, userMessageID); err != nil {
			return err
		}
		log.Printf("[db] ReceiptMismatchResolver :: fixed mismatched userMessageId=%d, correct user_id=%d, incorrect user_id=%d on connection=%s",
			userMessageID, correctUserID, incorrectUserID, r.using)
		return nil
	})
}
