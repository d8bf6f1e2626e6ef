// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package models

import "time"

// MailReceived is published once a federated mail has been stored locally.
// It carries identifiers only; consumers read the body from the mailbox.
type MailReceived struct {
	EmailID      int64     `json:"emailId"`
	MessageID    string    `json:"messageId"`
	AccountID    int64     `json:"accountId"`
	UserID       int64     `json:"userId"`
	ToEmail      string    `json:"toEmail"`
	FromEmail    string    `json:"sendEmail"`
	SenderDomain string    `json:"senderDomain"`
	Subject      string    `json:"subject"`
	Attachments  int       `json:"attachments"`
	ReceivedAt   time.Time `json:"receivedAt"`
}
