package card

import "testing"

func TestAuthorizeHappyPath(t *testing.T) {
	s := NewStore()
	c, err := s.Issue("job-1", "", "pending", []Button{{ButtonID: "approve", Action: "job.approve"}})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := s.Authorize("job-1", c.CardID, "approve"); err != nil {
		t.Fatalf("expected authorized, got %v", err)
	}
}

func TestForgedCardIDRejected(t *testing.T) {
	s := NewStore()
	if err := s.Authorize("job-1", "card_forged00000000000000000000", "approve"); err == nil {
		t.Fatal("expected forged card_id to be rejected")
	} else if _, ok := err.(*ErrUnknownCard); !ok {
		t.Fatalf("expected ErrUnknownCard, got %T", err)
	}
}

func TestButtonNotOnCardRejected(t *testing.T) {
	s := NewStore()
	c, _ := s.Issue("job-1", "", "pending", []Button{{ButtonID: "approve"}})

	err := s.Authorize("job-1", c.CardID, "reject")
	if _, ok := err.(*ErrUnknownButton); !ok {
		t.Fatalf("expected ErrUnknownButton, got %v", err)
	}
}

func TestCardFromDifferentJobRejected(t *testing.T) {
	s := NewStore()
	c, _ := s.Issue("job-1", "", "pending", []Button{{ButtonID: "approve"}})

	err := s.Authorize("job-2", c.CardID, "approve")
	if _, ok := err.(*ErrJobMismatch); !ok {
		t.Fatalf("expected ErrJobMismatch, got %v", err)
	}
}
