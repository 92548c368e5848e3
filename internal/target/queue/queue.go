/*
Marid - composable mail transfer and authentication engine.
Copyright © 2021-2024 The Marid Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

/*
Package queue implements the disk-backed retry queue sitting in front of a
delivery target.

Interfaces implemented:
- module.DeliveryTarget

Accepted messages are written to the queue directory (one .meta, .header and
.body file each) before Commit returns, so a process crash never loses an
accepted message. A timewheel schedules attempts against the wrapped target.

Outcomes are tracked per recipient:
- an error from Delivery.Start counts against every recipient,
- an error from Delivery.AddRcpt counts against that recipient only,
- an error from Delivery.Body counts against every accepted recipient,
- when the target implements PartialDelivery, BodyNonAtomic is used and
  per-recipient outcomes come from its StatusCollector.SetStatus calls.

Each failure is classified with exterrors.IsTemporaryOrUnspec, so unspecified
errors count as temporary. Errors are flattened into SMTPError values because
that is what survives the JSON round-trip through the meta-data file.

Recipients that failed temporarily are retried after a delay that grows
exponentially with the attempt count, up to a configured ceiling. Two hard
limits convert remaining temporary failures into permanent ones: the attempt
count limit and the terminal deadline fixed when the message was accepted.

The last error seen for each recipient is kept for the DSN text. A DSN is
generated once recipients fail permanently, unless the message itself is a
bounce (null return-path or a mailer-daemon sender).
*/
package queue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"runtime/trace"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/marid-mta/marid/framework/address"
	"github.com/marid-mta/marid/framework/buffer"
	"github.com/marid-mta/marid/framework/exterrors"
	"github.com/marid-mta/marid/framework/log"
	"github.com/marid-mta/marid/framework/module"
	"github.com/marid-mta/marid/internal/dsn"
	"github.com/marid-mta/marid/internal/limits"
	"github.com/marid-mta/marid/internal/target"
)

// partialError is the result of one delivery attempt: the set of recipients
// that failed, with the error for each.
type partialError struct {
	Errs map[string]error

	// Guards Errs during BodyNonAtomic. Once the target returns, reads
	// no longer need the lock.
	statusLock *sync.Mutex
}

// SetStatus implements module.StatusCollector so the attempt result can be
// handed directly to PartialDelivery.BodyNonAtomic.
func (pe *partialError) SetStatus(rcptTo string, err error) {
	log.Debugf("PartialError.SetStatus(%s, %v)", rcptTo, err)
	if err == nil {
		return
	}
	pe.statusLock.Lock()
	defer pe.statusLock.Unlock()
	pe.Errs[rcptTo] = err
}

func (pe partialError) Error() string {
	return fmt.Sprintf("delivery failed for some recipients: %v", pe.Errs)
}

// dontRecover disables the dispatch panic handlers. Tests set it so bugs
// surface as panics instead of .meta_broken files.
var dontRecover = false

type Config struct {
	// Location is the directory for the queue state. Created if missing.
	Location string

	// Hostname is used as the Reporting-MTA identity in generated DSNs.
	Hostname string

	// AutogenMsgDomain is the domain of the MAILER-DAEMON address and
	// Message-Id of generated DSNs.
	AutogenMsgDomain string

	Workers  int
	MaxTries int

	// Retry delay is calculated using the following formula:
	// initialRetryTime * retryTimeScale ^ (TriesCount - 1)
	// capped at MaxRetryTime.
	InitialRetryTime time.Duration
	RetryTimeScale   float64
	MaxRetryTime     time.Duration

	// GiveUpAfter sets the terminal deadline relative to the moment the
	// message was accepted into the queue. It is fixed at that point and
	// never extended.
	GiveUpAfter time.Duration

	// AttemptTimeout bounds a single delivery attempt. A timed out attempt
	// counts as exactly one temporary failure.
	AttemptTimeout time.Duration
}

type Queue struct {
	location         string
	hostname         string
	autogenMsgDomain string
	wheel            *TimeWheel

	initialRetryTime time.Duration
	retryTimeScale   float64
	maxRetryTime     time.Duration
	giveUpAfter      time.Duration
	attemptTimeout   time.Duration
	maxTries         int

	// Deliveries scheduled to run sooner than postInitDelay after start-up
	// are pushed back by postInitDelay. Keeps a crash-looping process from
	// hammering remote servers on every restart.
	postInitDelay time.Duration

	Log    log.Logger
	Target module.DeliveryTarget

	// Bounce is the target generated DSNs are handed to, usually the queue
	// itself so the report goes through normal routing back to the sender.
	// No DSNs are generated when it is nil.
	Bounce module.DeliveryTarget

	// Limits applies per-domain admission control on each delivery attempt
	// when set.
	Limits *limits.Group

	deliveryWg sync.WaitGroup
	// Each in-flight delivery holds one token.
	deliverySemaphore chan struct{}
}

type QueueMetadata struct {
	MsgMeta *module.MsgMetadata
	From    string

	// Recipients the next attempt will target.
	To []string

	// Failure history, kept for the bounce message.
	FailedRcpts          []string
	TemporaryFailedRcpts []string
	// Flattened to SMTPError so the value survives JSON serialization and
	// can be embedded into the DSN as-is.
	RcptErrs map[string]*smtp.SMTPError

	// Count of attempts already made, per recipient.
	TriesCount map[string]int

	FirstAttempt time.Time
	LastAttempt  time.Time

	// Deadline is the point in time after which no more delivery attempts
	// are made and remaining recipients fail permanently. Fixed when the
	// message is accepted.
	Deadline time.Time
}

type queueSlot struct {
	ID string

	// Nil Meta means the entry lives on disk only and must be reread
	// before the attempt. Hdr and Body are valid only when Meta is set.
	Meta *QueueMetadata
	Hdr  *textproto.Header
	Body buffer.Buffer
}

func New(cfg Config, tgt module.DeliveryTarget, logger log.Logger) (*Queue, error) {
	q := &Queue{
		location:         cfg.Location,
		hostname:         cfg.Hostname,
		autogenMsgDomain: cfg.AutogenMsgDomain,
		initialRetryTime: cfg.InitialRetryTime,
		retryTimeScale:   cfg.RetryTimeScale,
		maxRetryTime:     cfg.MaxRetryTime,
		giveUpAfter:      cfg.GiveUpAfter,
		attemptTimeout:   cfg.AttemptTimeout,
		maxTries:         cfg.MaxTries,
		postInitDelay:    10 * time.Second,
		Log:              logger,
		Target:           tgt,
	}
	if q.location == "" {
		return nil, errors.New("queue: location is required")
	}
	q.applyDefaults()

	workers := cfg.Workers
	if workers == 0 {
		workers = 16
	}

	if err := os.MkdirAll(q.location, os.ModePerm); err != nil {
		return nil, err
	}

	return q, q.start(workers)
}

func (q *Queue) applyDefaults() {
	if q.initialRetryTime == 0 {
		q.initialRetryTime = 15 * time.Minute
	}
	if q.retryTimeScale == 0 {
		q.retryTimeScale = 1.25
	}
	if q.maxRetryTime == 0 {
		q.maxRetryTime = 6 * time.Hour
	}
	if q.giveUpAfter == 0 {
		q.giveUpAfter = 72 * time.Hour
	}
	if q.attemptTimeout == 0 {
		q.attemptTimeout = 15 * time.Minute
	}
	if q.maxTries == 0 {
		q.maxTries = 20
	}
}

func (q *Queue) start(maxParallelism int) error {
	q.wheel = NewTimeWheel(q.dispatch)
	q.deliverySemaphore = make(chan struct{}, maxParallelism)

	if err := q.readDiskQueue(); err != nil {
		return err
	}

	q.Log.Debugf("delivery target: %T", q.Target)

	return nil
}

func (q *Queue) Close() error {
	q.wheel.Close()
	q.deliveryWg.Wait()

	return nil
}

// discardBroken renames the meta-data file to the .meta_broken extension so
// later timewheel firings for this ID fail to load it and give up.
//
// Called from the dispatch panic handler, hence no error propagation.
func (q *Queue) discardBroken(id string) {
	err := os.Rename(filepath.Join(q.location, id+".meta"), filepath.Join(q.location, id+".meta_broken"))
	if err != nil {
		// Queue.Log itself may be what paniced, write to the global logger.
		log.Printf("can't mark the queue message as broken: %v", err)
	}
}

func (q *Queue) dispatch(value TimeSlot) {
	slot := value.Value.(queueSlot)

	q.Log.Debugln("starting delivery for", slot.ID)

	q.deliveryWg.Add(1)
	go func() {
		q.Log.Debugln("waiting on delivery semaphore for", slot.ID)
		q.deliverySemaphore <- struct{}{}
		defer func() {
			<-q.deliverySemaphore
			q.deliveryWg.Done()

			if dontRecover {
				return
			}
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during queue dispatch %s: %v\n%s", slot.ID, err, stack)
				q.discardBroken(slot.ID)
			}
		}()

		q.Log.Debugln("delivery semaphore acquired for", slot.ID)

		meta := slot.Meta
		var (
			hdr  textproto.Header
			body buffer.Buffer
		)
		if meta == nil {
			var err error
			meta, hdr, body, err = q.openMessage(slot.ID)
			if err != nil {
				q.Log.Error("read message", err, slot.ID)
				return
			}
		} else {
			hdr = *slot.Hdr
			body = slot.Body
		}

		q.tryDelivery(meta, hdr, body)
	}()
}

// toSMTPErr flattens err into a value that can be serialized into the
// meta-data file and quoted in a DSN. The fallback code is picked by the
// temporariness of the error.
func toSMTPErr(err error) *smtp.SMTPError {
	if err == nil {
		return nil
	}

	res := &smtp.SMTPError{
		Code:         554,
		EnhancedCode: smtp.EnhancedCode{5, 0, 0},
		Message:      "Internal server error",
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		res.Code = 451
		res.EnhancedCode = smtp.EnhancedCode{4, 0, 0}
	}

	var extErr *exterrors.SMTPError
	if errors.As(err, &extErr) {
		res.Code = extErr.Code
		res.EnhancedCode = smtp.EnhancedCode(extErr.EnhancedCode)
		res.Message = extErr.Message
		return res
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	return res
}

// retryDelay computes the delay before the attempt after triesCount
// already failed tries.
func (q *Queue) retryDelay(triesCount int) time.Duration {
	delay := time.Duration(float64(q.initialRetryTime) * math.Pow(q.retryTimeScale, float64(triesCount-1)))
	if delay > q.maxRetryTime {
		delay = q.maxRetryTime
	}
	return delay
}

// sortOutAttempt walks the attempted recipients and decides their fate based
// on the attempt result: delivered ones are dropped, permanent failures (and
// temporary ones out of tries or past the deadline) go into failed, the rest
// are scheduled for a retry. minTries is the smallest per-recipient attempt
// count among the retried ones, it drives the next delay.
func (q *Queue) sortOutAttempt(meta *QueueMetadata, res partialError, dl log.Logger) (retry, failed []string, minTries int) {
	minTries = 999999
	deadlineHit := !meta.Deadline.IsZero() && !time.Now().Before(meta.Deadline)

	retry = make([]string, 0, len(res.Errs))
	failed = make([]string, 0, len(res.Errs))
	for _, rcpt := range meta.To {
		rcptErr, ok := res.Errs[rcpt]
		if !ok {
			dl.Msg("delivered", "rcpt", rcpt, "attempt", meta.TriesCount[rcpt]+1)
			deliveredMsgs.WithLabelValues(q.location).Inc()
			continue
		}

		// The last error wins, whatever its class. It is what the DSN quotes.
		dl.Error("delivery attempt failed", rcptErr, "rcpt", rcpt)
		meta.RcptErrs[rcpt] = toSMTPErr(rcptErr)

		temporary := exterrors.IsTemporaryOrUnspec(rcptErr)
		if !temporary || meta.TriesCount[rcpt]+1 == q.maxTries || deadlineHit {
			delete(meta.TriesCount, rcpt)
			dl.Msg("not delivered, permanent error", "rcpt", rcpt)
			failed = append(failed, rcpt)
			continue
		}

		meta.TriesCount[rcpt]++
		retry = append(retry, rcpt)
		if count := meta.TriesCount[rcpt]; count < minTries {
			minTries = count
		}
	}
	return retry, failed, minTries
}

func (q *Queue) tryDelivery(meta *QueueMetadata, header textproto.Header, body buffer.Buffer) {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)

	res := q.deliver(meta, header, body)
	dl.Debugf("errors: %v", res.Errs)

	if meta.TriesCount == nil {
		meta.TriesCount = make(map[string]int)
	}

	retry, failed, minTries := q.sortOutAttempt(meta, res, dl)

	if len(failed) != 0 {
		q.emitDSN(meta, header, failed)
	}
	if len(retry) == 0 {
		// Nothing left to try, all recipients are accounted for.
		q.removeFromDisk(meta.MsgMeta)
		return
	}

	meta.To = retry
	meta.LastAttempt = time.Now()

	nextTryTime := time.Now().Add(q.retryDelay(minTries))
	if !meta.Deadline.IsZero() && nextTryTime.After(meta.Deadline) {
		// The next try would land past the terminal deadline anyway.
		// Turn remaining temporary failures into permanent ones now.
		dl.Msg("terminal deadline reached", "rcpts", meta.To)
		q.emitDSN(meta, header, meta.To)
		q.removeFromDisk(meta.MsgMeta)
		return
	}

	if err := q.updateMetadataOnDisk(meta); err != nil {
		dl.Error("meta-data update", err)
	}

	dl.Msg("will retry",
		"attempts_count", meta.TriesCount,
		"next_try_delay", time.Until(nextTryTime),
		"rcpts", meta.To)

	// The entry is safe on disk at this point, drop the in-memory copy and
	// let the next attempt reread it.
	q.wheel.Add(nextTryTime, queueSlot{ID: meta.MsgMeta.ID})
}

// deliver runs a single attempt against the wrapped target and reports which
// recipients failed with what.
func (q *Queue) deliver(meta *QueueMetadata, header textproto.Header, body buffer.Buffer) partialError {
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	perr := partialError{
		Errs:       map[string]error{},
		statusLock: new(sync.Mutex),
	}

	attemptedMsgs.WithLabelValues(q.location).Inc()

	msgMeta := meta.MsgMeta.DeepCopy()
	msgMeta.ID = msgMeta.ID + "-" + strconv.FormatInt(time.Now().Unix(), 16)
	dl.Debugf("using message ID = %s", msgMeta.ID)

	attemptCtx, cancel := context.WithTimeout(context.Background(), q.attemptTimeout)
	defer cancel()

	msgCtx, msgTask := trace.NewTask(attemptCtx, "Queue delivery")
	defer msgTask.End()

	// Admission control happens before the recipient is handed to the
	// target. A denied recipient fails this attempt with a temporary error
	// and goes through the normal retry accounting.
	toAttempt := make([]string, 0, len(meta.To))
	for _, rcpt := range meta.To {
		if err := q.admitRcpt(rcpt); err != nil {
			dl.Debugf("admission denied for %s: %v", rcpt, err)
			perr.Errs[rcpt] = err
			continue
		}
		toAttempt = append(toAttempt, rcpt)
	}
	if len(toAttempt) == 0 {
		return perr
	}

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	delivery, err := q.Target.Start(mailCtx, msgMeta, meta.From)
	mailTask.End()
	if err != nil {
		dl.Debugf("target.Start failed: %v", err)
		for _, rcpt := range toAttempt {
			perr.Errs[rcpt] = err
		}
		return perr
	}
	dl.Debugf("target.Start OK")

	accepted := q.sendRcpts(msgCtx, delivery, toAttempt, &perr, dl)
	if len(accepted) == 0 {
		dl.Debugf("delivery.Abort (no accepted receipients)")
		if err := delivery.Abort(msgCtx); err != nil {
			dl.Error("delivery.Abort failed", err)
		}
		return perr
	}

	failAccepted := func(err error) {
		for _, rcpt := range accepted {
			perr.Errs[rcpt] = err
		}
	}

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	defer bodyTask.End()

	if partDelivery, ok := delivery.(module.PartialDelivery); ok {
		dl.Debugf("using delivery.BodyNonAtomic")
		partDelivery.BodyNonAtomic(bodyCtx, &perr, header, body)
	} else {
		if err := delivery.Body(bodyCtx, header, body); err != nil {
			dl.Debugf("delivery.Body failed: %v", err)
			failAccepted(err)
		}
		dl.Debugf("delivery.Body OK")
	}

	anyOk := false
	for _, rcpt := range accepted {
		if perr.Errs[rcpt] == nil {
			anyOk = true
			break
		}
	}
	if !anyOk {
		dl.Debugf("delivery.Abort (all recipients failed)")
		if err := delivery.Abort(bodyCtx); err != nil {
			dl.Msg("delivery.Abort failed", err)
		}
		return perr
	}

	if err := delivery.Commit(bodyCtx); err != nil {
		dl.Debugf("delivery.Commit failed: %v", err)
		failAccepted(err)
	}
	dl.Debugf("delivery.Commit OK")

	return perr
}

func (q *Queue) sendRcpts(ctx context.Context, delivery module.Delivery, rcpts []string, perr *partialError, dl log.Logger) []string {
	var accepted []string
	for _, rcpt := range rcpts {
		rcptCtx, rcptTask := trace.NewTask(ctx, "RCPT TO")
		if err := delivery.AddRcpt(rcptCtx, rcpt); err != nil {
			dl.Debugf("delivery.AddRcpt %s failed: %v", rcpt, err)
			perr.Errs[rcpt] = err
		} else {
			dl.Debugf("delivery.AddRcpt %s OK", rcpt)
			accepted = append(accepted, rcpt)
		}
		rcptTask.End()
	}
	return accepted
}

func (q *Queue) admitRcpt(rcpt string) error {
	if q.Limits == nil {
		return nil
	}
	_, domain, err := address.Split(rcpt)
	if err != nil {
		// Let the target produce the proper error for the malformed address.
		return nil
	}
	return q.Limits.TryAdmit(strings.ToLower(domain), limits.Outbound, 1)
}

type queueDelivery struct {
	q    *Queue
	meta *QueueMetadata

	header textproto.Header
	body   buffer.Buffer
}

func (qd *queueDelivery) AddRcpt(ctx context.Context, rcptTo string) error {
	qd.meta.To = append(qd.meta.To, rcptTo)
	return nil
}

func (qd *queueDelivery) Body(ctx context.Context, header textproto.Header, body buffer.Buffer) error {
	defer trace.StartRegion(ctx, "queue/Body").End()

	// The buffer passed in is owned by the caller and may be released once
	// this "delivery" completes. storeNewMessage returns a fresh buffer
	// backed by the on-disk blob.
	storedBody, err := qd.q.storeNewMessage(qd.meta, header, body)
	if err != nil {
		return err
	}

	qd.body = storedBody
	qd.header = header
	return nil
}

func (qd *queueDelivery) Abort(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Abort").End()

	if qd.body != nil {
		qd.q.removeFromDisk(qd.meta.MsgMeta)
	}
	return nil
}

func (qd *queueDelivery) Commit(ctx context.Context) error {
	defer trace.StartRegion(ctx, "queue/Commit").End()

	if qd.meta == nil {
		panic("queue: double Commit")
	}

	qd.q.wheel.Add(time.Time{}, queueSlot{
		ID:   qd.meta.MsgMeta.ID,
		Meta: qd.meta,
		Hdr:  &qd.header,
		Body: qd.body,
	})
	qd.meta = nil
	qd.body = nil
	return nil
}

func (q *Queue) Start(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string) (module.Delivery, error) {
	if msgMeta.ID == "" {
		msgMeta.ID = uuid.New().String()
	}
	now := time.Now()
	meta := &QueueMetadata{
		MsgMeta:      msgMeta,
		From:         mailFrom,
		RcptErrs:     map[string]*smtp.SMTPError{},
		FirstAttempt: now,
		LastAttempt:  now,
		Deadline:     now.Add(q.giveUpAfter),
	}
	return &queueDelivery{q: q, meta: meta}, nil
}

// Enqueue accepts a complete message into the queue and returns its job ID.
// It is a convenience wrapper over the DeliveryTarget interface used by the
// ingestion layer.
func (q *Queue) Enqueue(ctx context.Context, msgMeta *module.MsgMetadata, mailFrom string, rcpts []string, header textproto.Header, body buffer.Buffer) (string, error) {
	delivery, err := q.Start(ctx, msgMeta, mailFrom)
	if err != nil {
		return "", err
	}
	for _, rcpt := range rcpts {
		if err := delivery.AddRcpt(ctx, rcpt); err != nil {
			//nolint:errcheck
			delivery.Abort(ctx)
			return "", err
		}
	}
	if err := delivery.Body(ctx, header, body); err != nil {
		//nolint:errcheck
		delivery.Abort(ctx)
		return "", err
	}
	if err := delivery.Commit(ctx); err != nil {
		return "", err
	}
	return msgMeta.ID, nil
}

func (q *Queue) removeFromDisk(msgMeta *module.MsgMetadata) {
	id := msgMeta.ID
	dl := target.DeliveryLogger(q.Log, msgMeta)

	// Meta-data file goes last. If the process dies mid-removal,
	// readDiskQueue spots the orphaned .meta and reports what is missing.
	for _, part := range []struct{ ext, what string }{
		{".header", "header"},
		{".body", "body"},
		{".meta", "meta-data"},
	} {
		if err := os.Remove(filepath.Join(q.location, id+part.ext)); err != nil {
			dl.Error("failed to remove "+part.what+" from disk", err)
		}
	}
	queuedMsgs.WithLabelValues(q.location).Dec()
	dl.Debugf("removed message from disk")
}

func (q *Queue) readDiskQueue() error {
	dirInfo, err := os.ReadDir(q.location)
	if err != nil {
		return err
	}

	loadedCount := 0
	for _, entry := range dirInfo {
		// Meta-data files drive the scan, .header/.body existence is
		// verified per entry. Dangling blobs get cleaned up along the way.
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".meta")

		if !q.scheduleDiskEntry(id) {
			continue
		}
		queuedMsgs.WithLabelValues(q.location).Inc()
		loadedCount++
	}

	if loadedCount != 0 {
		q.Log.Printf("loaded %d saved queue entries", loadedCount)
	}

	return nil
}

// scheduleDiskEntry verifies the on-disk state of the entry and puts it on
// the timewheel. Returns false if the entry was skipped.
func (q *Queue) scheduleDiskEntry(id string) bool {
	meta, err := q.readMessageMeta(id)
	if err != nil {
		q.Log.Printf("failed to read meta-data, skipping: %v (msg ID = %s)", err, id)
		return false
	}

	if _, err := os.Stat(filepath.Join(q.location, id+".header")); err != nil {
		if os.IsNotExist(err) {
			q.Log.Printf("header file doesn't exist for msg ID = %s", id)
			q.tryRemoveDanglingFile(id + ".meta")
			q.tryRemoveDanglingFile(id + ".body")
		} else {
			q.Log.Printf("skipping nonstat'able header file: %v (msg ID = %s)", err, id)
		}
		return false
	}
	if _, err := os.Stat(filepath.Join(q.location, id+".body")); err != nil {
		if os.IsNotExist(err) {
			q.Log.Printf("body file doesn't exist for msg ID = %s", id)
			q.tryRemoveDanglingFile(id + ".meta")
			q.tryRemoveDanglingFile(id + ".header")
		} else {
			q.Log.Printf("skipping nonstat'able body file: %v (msg ID = %s)", err, id)
		}
		return false
	}

	minTries := 999999
	for _, count := range meta.TriesCount {
		if count < minTries {
			minTries = count
		}
	}
	nextTryTime := meta.LastAttempt.Add(q.retryDelay(minTries))
	if time.Until(nextTryTime) < q.postInitDelay {
		nextTryTime = time.Now().Add(q.postInitDelay)
	}

	q.Log.Debugf("will try to deliver (msg ID = %s) in %v (%v)", id, time.Until(nextTryTime), nextTryTime)
	q.wheel.Add(nextTryTime, queueSlot{ID: id})
	return true
}

func (q *Queue) storeNewMessage(meta *QueueMetadata, header textproto.Header, body buffer.Buffer) (buffer.Buffer, error) {
	id := meta.MsgMeta.ID

	headerFile, err := os.Create(filepath.Join(q.location, id+".header"))
	if err != nil {
		return nil, err
	}
	defer headerFile.Close()

	if err := textproto.WriteHeader(headerFile, header); err != nil {
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	bodyReader, err := body.Open()
	if err != nil {
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}
	defer bodyReader.Close()

	bodyPath := filepath.Join(q.location, id+".body")
	bodyFile, err := os.Create(bodyPath)
	if err != nil {
		return nil, err
	}
	defer bodyFile.Close()

	if _, err := io.Copy(bodyFile, bodyReader); err != nil {
		q.tryRemoveDanglingFile(id + ".body")
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	if err := q.updateMetadataOnDisk(meta); err != nil {
		q.tryRemoveDanglingFile(id + ".body")
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	if err := headerFile.Sync(); err != nil {
		return nil, err
	}
	if err := bodyFile.Sync(); err != nil {
		return nil, err
	}

	queuedMsgs.WithLabelValues(q.location).Inc()

	return buffer.FileBuffer{Path: bodyPath, LenHint: body.Len()}, nil
}

func (q *Queue) updateMetadataOnDisk(meta *QueueMetadata) error {
	metaPath := filepath.Join(q.location, meta.MsgMeta.ID+".meta")

	// Write-then-rename where the OS can do it. Windows does not allow
	// renaming over an open file, so the meta-data file is rewritten in
	// place there.
	writePath := metaPath + ".new"
	if runtime.GOOS == "windows" {
		writePath = metaPath
	}

	file, err := os.Create(writePath)
	if err != nil {
		return err
	}
	defer file.Close()

	metaCopy := *meta
	metaCopy.MsgMeta = meta.MsgMeta.DeepCopy()
	metaCopy.MsgMeta.Conn = nil

	if err := json.NewEncoder(file).Encode(metaCopy); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	if writePath != metaPath {
		return os.Rename(writePath, metaPath)
	}
	return nil
}

func (q *Queue) readMessageMeta(id string) (*QueueMetadata, error) {
	file, err := os.Open(filepath.Join(q.location, id+".meta"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// ConnState is not fully serializable (future.Future values, net.Addr
	// of an unknown concrete type), updateMetadataOnDisk strips it on write
	// and the zero value is fine here.
	meta := &QueueMetadata{MsgMeta: &module.MsgMetadata{}}
	if err := json.NewDecoder(file).Decode(meta); err != nil {
		return nil, err
	}

	return meta, nil
}

func (q *Queue) tryRemoveDanglingFile(name string) {
	if err := os.Remove(filepath.Join(q.location, name)); err != nil {
		q.Log.Error("dangling file remove failed", err)
		return
	}
	q.Log.Printf("removed dangling file %s", name)
}

func (q *Queue) openMessage(id string) (*QueueMetadata, textproto.Header, buffer.Buffer, error) {
	meta, err := q.readMessageMeta(id)
	if err != nil {
		return nil, textproto.Header{}, nil, err
	}

	bodyPath := filepath.Join(q.location, id+".body")
	if _, err := os.Stat(bodyPath); err != nil {
		if os.IsNotExist(err) {
			q.tryRemoveDanglingFile(id + ".meta")
		}
		return nil, textproto.Header{}, nil, err
	}
	body := buffer.FileBuffer{Path: bodyPath}

	headerFile, err := os.Open(filepath.Join(q.location, id+".header"))
	if err != nil {
		if os.IsNotExist(err) {
			q.tryRemoveDanglingFile(id + ".meta")
			q.tryRemoveDanglingFile(id + ".body")
		}
		return nil, textproto.Header{}, nil, err
	}
	defer headerFile.Close()

	header, err := textproto.ReadHeader(bufio.NewReader(headerFile))
	if err != nil {
		return nil, textproto.Header{}, nil, err
	}

	return meta, header, body, nil
}

func (q *Queue) InstanceName() string {
	return q.location
}

func (q *Queue) Name() string {
	return "queue"
}

// dsnRcptInfo builds the per-recipient DSN fields from the recorded errors,
// rewriting each address back to its original (pre-rewrite) form.
func (q *Queue) dsnRcptInfo(meta *QueueMetadata, failedRcpts []string) []dsn.RecipientInfo {
	rcptInfo := make([]dsn.RecipientInfo, 0, len(failedRcpts))
	for _, rcpt := range failedRcpts {
		// RcptErrs is keyed by the effective recipient address.
		rcptErr := meta.RcptErrs[rcpt]

		category := dsn.Classify(rcptErr.Code, exterrors.EnhancedCode(rcptErr.EnhancedCode), rcptErr.Message)
		bouncedMsgs.WithLabelValues(q.location, string(category)).Inc()

		if original := meta.MsgMeta.OriginalRcpts[rcpt]; original != "" {
			rcpt = original
		}

		rcptInfo = append(rcptInfo, dsn.RecipientInfo{
			FinalRecipient: rcpt,
			Action:         dsn.ActionFailed,
			Status:         rcptErr.EnhancedCode,
			DiagnosticCode: rcptErr,
		})
	}
	return rcptInfo
}

func (q *Queue) emitDSN(meta *QueueMetadata, header textproto.Header, failedRcpts []string) {
	if q.Bounce == nil {
		return
	}

	// Null return-path or a mailer-daemon sender means the message is
	// itself a bounce. Failing to deliver it must not generate another one.
	if meta.MsgMeta.OriginalFrom == "" || dsn.IsBounceAddress(meta.MsgMeta.OriginalFrom) {
		q.Log.Msg("bounce of a bounce dropped", "msg_id", meta.MsgMeta.ID, "rcpts", failedRcpts)
		return
	}

	dsnID := uuid.New().String()

	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + q.autogenMsgDomain + ">",
		From:  "MAILER-DAEMON@" + q.autogenMsgDomain,
		To:    meta.MsgMeta.OriginalFrom,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    q.hostname,
		XSender:         meta.From,
		XMessageID:      meta.MsgMeta.ID,
		ArrivalDate:     meta.FirstAttempt,
		LastAttemptDate: meta.LastAttempt,
	}
	if !meta.MsgMeta.DontTraceSender && meta.MsgMeta.Conn != nil {
		mtaInfo.ReceivedFromMTA = meta.MsgMeta.Conn.Hostname
	}

	rcptInfo := q.dsnRcptInfo(meta, failedRcpts)

	var dsnBodyBlob bytes.Buffer
	dl := target.DeliveryLogger(q.Log, meta.MsgMeta)
	dsnHeader, err := dsn.GenerateDSN(meta.MsgMeta.SMTPOpts.UTF8, dsnEnvelope, mtaInfo, rcptInfo, header, &dsnBodyBlob)
	if err != nil {
		dl.Error("failed to generate fail DSN", err)
		return
	}
	dsnBody := buffer.MemoryBuffer{Slice: dsnBodyBlob.Bytes()}

	dsnMeta := &module.MsgMetadata{
		ID:  dsnID,
		DSN: true,
		SMTPOpts: smtp.MailOptions{
			UTF8:       meta.MsgMeta.SMTPOpts.UTF8,
			RequireTLS: meta.MsgMeta.SMTPOpts.RequireTLS,
		},
	}
	dl.Msg("generated failed DSN", "dsn_id", dsnID)

	msgCtx, msgTask := trace.NewTask(context.Background(), "DSN Delivery")
	defer msgTask.End()

	mailCtx, mailTask := trace.NewTask(msgCtx, "MAIL FROM")
	dsnDelivery, err := q.Bounce.Start(mailCtx, dsnMeta, "")
	mailTask.End()
	if err != nil {
		dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
		return
	}

	defer func() {
		if err != nil {
			dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
			if err := dsnDelivery.Abort(msgCtx); err != nil {
				dl.Error("failed to abort DSN delivery", err, "dsn_id", dsnID)
			}
		}
	}()

	rcptCtx, rcptTask := trace.NewTask(msgCtx, "RCPT TO")
	if err = dsnDelivery.AddRcpt(rcptCtx, meta.From); err != nil {
		rcptTask.End()
		return
	}
	rcptTask.End()

	bodyCtx, bodyTask := trace.NewTask(msgCtx, "DATA")
	if err = dsnDelivery.Body(bodyCtx, dsnHeader, dsnBody); err != nil {
		bodyTask.End()
		return
	}
	if err = dsnDelivery.Commit(bodyCtx); err != nil {
		bodyTask.End()
		return
	}
	bodyTask.End()
}
