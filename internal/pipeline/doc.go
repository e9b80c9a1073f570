// Package pipeline runs the four-role adversarial loop: a planner proposes,
// a verifier checks, an auditor scores the plan and may force a re-plan, and
// an executor turns the last plan into instructions. Runs are recorded in an
// ExecutionLog whose cost ledger keeps every stage response, including plans
// superseded by a re-plan.
package pipeline
