package events

// Topic constants for domain events emitted by the voucher engine.
const (
	TopicVoucherIssued         = "voucher.issued"
	TopicVoucherRedeemed       = "voucher.redeemed"
	TopicVoucherRedeemRejected = "voucher.redeem_rejected"
	TopicBulkIssueCompleted    = "voucher.bulk_issue_completed"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicVoucherIssued,
		TopicVoucherRedeemed,
		TopicVoucherRedeemRejected,
		TopicBulkIssueCompleted,
	}
}

// KnownTopic reports whether topic is one of DefaultTopics.
func KnownTopic(topic string) bool {
	for _, t := range DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}
