package providermock

import (
	"fmt"
	"math/rand"
	"time"
)

var (
	firstNames = []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank"}
	lastNames  = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis"}
	domains    = []string{"university.edu", "college.edu", "admissions.org", "scholarships.net"}
	subjects   = []string{
		"Application received",
		"Interview invitation",
		"Missing documents",
		"Scholarship decision",
		"Visa appointment",
		"Enrollment deadline",
		"Urgent: Action required",
		"Follow up",
	}
)

// Seed fills the mailbox with n messages received over the last day, a few with attachments
func (s *Server) Seed(n int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	now := time.Now()

	for i := 0; i < n; i++ {
		first := firstNames[rng.Intn(len(firstNames))]
		last := lastNames[rng.Intn(len(lastNames))]
		domain := domains[rng.Intn(len(domains))]
		subject := subjects[rng.Intn(len(subjects))]

		in := MessageInput{
			From:       fmt.Sprintf("%s %s <%s.%s@%s>", first, last, first, last, domain),
			To:         s.account,
			Subject:    subject,
			HTML:       fmt.Sprintf("<p>Dear student,</p><p>%s.</p><p>Regards,<br>%s %s</p>", subject, first, last),
			ReceivedAt: now.Add(-time.Duration(rng.Intn(24*60)) * time.Minute),
		}
		if rng.Intn(4) == 0 {
			in.Attachments = []Attachment{{
				Filename: "letter.pdf",
				MimeType: "application/pdf",
				Data:     []byte("%PDF-1.4 mock letter"),
			}}
		}
		s.AddMessage(in)
	}
}
